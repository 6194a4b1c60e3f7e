// Package report turns the merged ledger narrative into a structured SOAP
// report and keeps it stored as a completed record.
package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quicksoap/quicksoap/internal/domain/dictation"
	"github.com/quicksoap/quicksoap/internal/domain/draftsync"
	"github.com/quicksoap/quicksoap/internal/domain/soapnote"
)

var (
	ErrEmptyLedger      = errors.New("nothing to generate from")
	ErrGenerationFailed = errors.New("report generation failed")
	ErrNoReport         = errors.New("no report has been generated")
)

type GeneratorResult struct {
	Report              string `json:"report"`
	ExtractedEntityName string `json:"extractedEntityName,omitempty"`
}

// Generator is the report-writing collaborator.
type Generator interface {
	Generate(ctx context.Context, narrative string) (GeneratorResult, error)
}

// Ledger is the part of *dictation.Ledger the controller reads and clears.
type Ledger interface {
	MergedNarrative() string
	Snapshot() dictation.Snapshot
	Clear(ctx context.Context) error
}

// Store persists reports. *draftsync.Protocol satisfies it.
type Store interface {
	Promote(ctx context.Context, name, reportText string, snap dictation.Snapshot) (*draftsync.Record, error)
	Forget(ctx context.Context) error
}

type Report struct {
	Name        string            `json:"name"`
	Document    soapnote.Document `json:"document"`
	Raw         string            `json:"raw"`
	RecordID    *uuid.UUID        `json:"record_id,omitempty"`
	Persisted   bool              `json:"persisted"`
	GeneratedAt time.Time         `json:"generated_at"`
}

// Text is what gets stored as report_text: the serialized document, or the
// generator's raw output when it had no recognizable sections.
func (r *Report) Text() string {
	if r.Document.IsEmpty() {
		return r.Raw
	}
	return soapnote.Serialize(r.Document)
}

type Controller struct {
	ledger    Ledger
	generator Generator
	store     Store
	logger    zerolog.Logger
	now       func() time.Time

	mu      sync.Mutex
	current *Report
}

func NewController(ledger Ledger, generator Generator, store Store, logger zerolog.Logger) *Controller {
	return &Controller{
		ledger:    ledger,
		generator: generator,
		store:     store,
		logger:    logger,
		now:       time.Now,
	}
}

// Generate produces a report from the current ledger and persists it. A
// failed persist is logged and reflected in Report.Persisted; the report is
// still returned.
func (c *Controller) Generate(ctx context.Context) (*Report, error) {
	narrative := c.ledger.MergedNarrative()
	if strings.TrimSpace(narrative) == "" {
		return nil, ErrEmptyLedger
	}

	res, err := c.generator.Generate(ctx, narrative)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	if strings.TrimSpace(res.Report) == "" {
		return nil, fmt.Errorf("%w: generator returned an empty report", ErrGenerationFailed)
	}

	rep := &Report{
		Name:        c.recordName(res.ExtractedEntityName),
		Document:    soapnote.Parse(res.Report),
		Raw:         res.Report,
		GeneratedAt: c.now().UTC(),
	}
	if rep.Document.IsEmpty() {
		c.logger.Warn().Int("length", len(res.Report)).Msg("generated report has no SOAP sections")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.persistLocked(ctx, rep)
	c.current = rep
	return rep, nil
}

func (c *Controller) recordName(entity string) string {
	if entity = strings.TrimSpace(entity); entity != "" {
		return entity + " - QuickSOAP"
	}
	return "QuickSOAP - " + c.now().Format("2006-01-02 15:04")
}

func (c *Controller) persistLocked(ctx context.Context, rep *Report) {
	rec, err := c.store.Promote(ctx, rep.Name, rep.Text(), c.ledger.Snapshot())
	if err != nil {
		rep.Persisted = false
		c.logger.Error().Err(err).Str("report_name", rep.Name).Msg("persist report failed")
		return
	}
	id := rec.ID
	rep.RecordID = &id
	rep.Persisted = true
}

// Current returns the last generated or edited report.
func (c *Controller) Current() (*Report, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil, false
	}
	cp := *c.current
	return &cp, true
}

// SaveEdits replaces the report's document with a user-edited one and
// stores its serialization. Edited content is not re-normalized.
func (c *Controller) SaveEdits(ctx context.Context, doc soapnote.Document) (*Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil, ErrNoReport
	}

	next := *c.current
	next.Document = doc
	next.Raw = soapnote.Serialize(doc)
	c.persistLocked(ctx, &next)
	c.current = &next

	cp := next
	return &cp, nil
}

// EditSection replaces one section of the current report.
func (c *Controller) EditSection(ctx context.Context, name soapnote.SectionName, content string) (*Report, error) {
	cur, ok := c.Current()
	if !ok {
		return nil, ErrNoReport
	}
	return c.SaveEdits(ctx, cur.Document.WithSection(name, content))
}

// Finish clears the ledger and forgets the held record so the next
// dictation starts a new note.
func (c *Controller) Finish(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ledger.Clear(ctx); err != nil {
		return err
	}
	if err := c.store.Forget(ctx); err != nil {
		return fmt.Errorf("forget held record: %w", err)
	}
	c.current = nil
	return nil
}

// Reset drops the in-memory report without touching storage.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = nil
}

// Load shows an existing completed record as the current report. Stored text
// was serialized from a normalized or hand-edited document, so it is read back
// without normalizing again.
func (c *Controller) Load(rec *draftsync.Record) *Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec == nil || rec.ReportText == nil {
		c.current = nil
		return nil
	}
	id := rec.ID
	c.current = &Report{
		Name:        rec.ReportName,
		Document:    soapnote.ParseRaw(*rec.ReportText),
		Raw:         *rec.ReportText,
		RecordID:    &id,
		Persisted:   true,
		GeneratedAt: rec.UpdatedAt,
	}
	cp := *c.current
	return &cp
}
