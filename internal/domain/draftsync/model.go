package draftsync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quicksoap/quicksoap/internal/domain/dictation"
)

const RecordType = "quicksoap"

type Role string

const (
	RoleDesktop Role = "desktop"
	RoleMobile  Role = "mobile"
)

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleDesktop, RoleMobile:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown device role %q", s)
}

type OriginKind string

const (
	DesktopOriginated OriginKind = "desktop"
	MobileDraft       OriginKind = "mobile_draft"
	MobileSent        OriginKind = "mobile_sent"
)

// Origin records which device created a record and whether a mobile record
// has been handed off. SentAt is set only for MobileSent.
type Origin struct {
	Kind   OriginKind
	SentAt time.Time
}

func DesktopOrigin() Origin     { return Origin{Kind: DesktopOriginated} }
func MobileDraftOrigin() Origin { return Origin{Kind: MobileDraft} }

func MobileSentOrigin(at time.Time) Origin {
	return Origin{Kind: MobileSent, SentAt: at.UTC()}
}

// OwnedBy reports whether role created records of this origin.
func (o Origin) OwnedBy(role Role) bool {
	switch o.Kind {
	case DesktopOriginated:
		return role == RoleDesktop
	case MobileDraft, MobileSent:
		return role == RoleMobile
	}
	return false
}

// FormData is the record payload: a ledger snapshot plus the origin tag.
// On the wire the origin is the sent_to_desktop tri-state: absent for
// desktop-originated, false for an unsent mobile draft, true once sent.
type FormData struct {
	dictation.Snapshot
	Origin Origin
}

type formDataWire struct {
	Dictations          []dictation.Dictation `json:"dictations"`
	ManualInput         string                `json:"manualInput"`
	LastMergedNarrative string                `json:"lastMergedNarrative"`
	SentToDesktop       *bool                 `json:"sent_to_desktop,omitempty"`
	SentToDesktopAt     *time.Time            `json:"sent_to_desktop_at,omitempty"`
}

func (f FormData) MarshalJSON() ([]byte, error) {
	w := formDataWire{
		Dictations:          f.Dictations,
		ManualInput:         f.ManualInput,
		LastMergedNarrative: f.LastMergedNarrative,
	}
	if w.Dictations == nil {
		w.Dictations = []dictation.Dictation{}
	}
	switch f.Origin.Kind {
	case MobileDraft:
		sent := false
		w.SentToDesktop = &sent
	case MobileSent:
		sent := true
		w.SentToDesktop = &sent
		if !f.Origin.SentAt.IsZero() {
			at := f.Origin.SentAt
			w.SentToDesktopAt = &at
		}
	}
	return json.Marshal(w)
}

func (f *FormData) UnmarshalJSON(data []byte) error {
	var w formDataWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	f.Snapshot = dictation.Snapshot{
		Dictations:          w.Dictations,
		ManualInput:         w.ManualInput,
		LastMergedNarrative: w.LastMergedNarrative,
	}
	switch {
	case w.SentToDesktop == nil:
		f.Origin = DesktopOrigin()
	case !*w.SentToDesktop:
		f.Origin = MobileDraftOrigin()
	default:
		f.Origin = Origin{Kind: MobileSent}
		if w.SentToDesktopAt != nil {
			f.Origin.SentAt = w.SentToDesktopAt.UTC()
		}
	}
	return nil
}

// Record is one row of the remote record store. A nil ReportText marks a
// draft; anything else is a completed record.
type Record struct {
	ID         uuid.UUID `json:"id"`
	UserID     string    `json:"user_id"`
	ReportName string    `json:"report_name"`
	ReportText *string   `json:"report_text"`
	RecordType string    `json:"record_type"`
	FormData   FormData  `json:"form_data"`
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (r *Record) IsDraft() bool {
	return r.ReportText == nil
}

func (r *Record) Clone() *Record {
	c := *r
	if r.ReportText != nil {
		text := *r.ReportText
		c.ReportText = &text
	}
	c.FormData.Dictations = append([]dictation.Dictation(nil), r.FormData.Dictations...)
	return &c
}
