package soapnote

import (
	"strings"
)

// SectionName is one of the four canonical SOAP section names.
type SectionName string

const (
	Subjective SectionName = "Subjective"
	Objective  SectionName = "Objective"
	Assessment SectionName = "Assessment"
	Plan       SectionName = "Plan"
)

// CanonicalOrder is the fixed order sections are stored and emitted in.
var CanonicalOrder = []SectionName{Subjective, Objective, Assessment, Plan}

// ParseSectionName resolves a case-insensitive name to its canonical form.
func ParseSectionName(s string) (SectionName, bool) {
	for _, name := range CanonicalOrder {
		if strings.EqualFold(strings.TrimSpace(s), string(name)) {
			return name, true
		}
	}
	return "", false
}

func (n SectionName) rank() int {
	for i, name := range CanonicalOrder {
		if name == n {
			return i
		}
	}
	return len(CanonicalOrder)
}

func (n SectionName) initial() string {
	return string(n)[:1]
}

type Section struct {
	Name    SectionName `json:"name"`
	Content string      `json:"content"`
}

// Document is a clinical note as an ordered list of sections. The zero value
// is an empty document.
type Document struct {
	Sections []Section `json:"sections"`
}

// NewDocument builds a document from sections in any order. Unknown names and
// blank content are dropped; a repeated name keeps its first occurrence.
func NewDocument(sections ...Section) Document {
	byName := make(map[SectionName]string, len(CanonicalOrder))
	for _, s := range sections {
		if s.Name.rank() == len(CanonicalOrder) {
			continue
		}
		if strings.TrimSpace(s.Content) == "" {
			continue
		}
		if _, seen := byName[s.Name]; seen {
			continue
		}
		byName[s.Name] = s.Content
	}
	return fromMap(byName)
}

func fromMap(byName map[SectionName]string) Document {
	doc := Document{}
	for _, name := range CanonicalOrder {
		if content, ok := byName[name]; ok {
			doc.Sections = append(doc.Sections, Section{Name: name, Content: content})
		}
	}
	return doc
}

// Section returns the content of the named section.
func (d Document) Section(name SectionName) (string, bool) {
	for _, s := range d.Sections {
		if s.Name == name {
			return s.Content, true
		}
	}
	return "", false
}

// Names lists the sections present, in canonical order.
func (d Document) Names() []SectionName {
	names := make([]SectionName, 0, len(d.Sections))
	for _, s := range d.Sections {
		names = append(names, s.Name)
	}
	return names
}

func (d Document) IsEmpty() bool {
	return len(d.Sections) == 0
}

// WithSection returns a copy of d with the named section replaced verbatim.
// Blank content removes the section. The content is not normalized: user
// edits bypass the parser.
func (d Document) WithSection(name SectionName, content string) Document {
	byName := make(map[SectionName]string, len(CanonicalOrder))
	for _, s := range d.Sections {
		byName[s.Name] = s.Content
	}
	if strings.TrimSpace(content) == "" {
		delete(byName, name)
	} else {
		byName[name] = content
	}
	return fromMap(byName)
}

// Equal reports whether two documents hold the same sections in the same order.
func (d Document) Equal(other Document) bool {
	if len(d.Sections) != len(other.Sections) {
		return false
	}
	for i := range d.Sections {
		if d.Sections[i] != other.Sections[i] {
			return false
		}
	}
	return true
}
