package dictation

import (
	"strings"
	"unicode/utf8"
)

// SummaryLength is the rune budget for a summary derived from the full text.
const SummaryLength = 100

// Dictation is one transcribed recording. ID is a unix-millisecond timestamp,
// strictly increasing within a ledger.
type Dictation struct {
	ID       int64  `json:"id"`
	FullText string `json:"fullText"`
	Summary  string `json:"summary"`
	Expanded bool   `json:"expanded"`
}

// Snapshot is the persisted form of a ledger, stored locally and mirrored
// into the form_data of a remote draft.
type Snapshot struct {
	Dictations          []Dictation `json:"dictations"`
	ManualInput         string      `json:"manualInput"`
	LastMergedNarrative string      `json:"lastMergedNarrative"`
}

// IsEmpty reports whether the snapshot carries anything worth persisting.
func (s Snapshot) IsEmpty() bool {
	return len(s.Dictations) == 0 && strings.TrimSpace(s.ManualInput) == ""
}

// Merge joins dictation texts, then the manual input, with blank lines.
// Empty parts contribute nothing.
func Merge(dictations []Dictation, manualInput string) string {
	parts := make([]string, 0, len(dictations)+1)
	for _, d := range dictations {
		if text := strings.TrimSpace(d.FullText); text != "" {
			parts = append(parts, text)
		}
	}
	if manual := strings.TrimSpace(manualInput); manual != "" {
		parts = append(parts, manual)
	}
	return strings.Join(parts, "\n\n")
}

// Summarize truncates text to limit runes, marking the cut with "...".
func Summarize(text string, limit int) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:limit])) + "..."
}
