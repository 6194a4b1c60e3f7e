// Package soapnote converts free-form clinical narratives into a four-section
// SOAP document (Subjective, Objective, Assessment, Plan) and back.
//
// Parsing is heuristic. A strict pass looks for header lines such as
// "Subjective:", "S - Subjective", "Plan: rest at home" or "Plan - rest";
// when no such line exists anywhere, a loose pass accepts single-letter
// prefixes ("S: ...", "O - ...") as boundaries. A section whose body itself contains a line that
// reads like a canonical header is split at that line; this is a known
// limitation and not corrected.
package soapnote

import (
	"regexp"
	"strings"
)

type headerPattern struct {
	name SectionName
	// strict pass
	bare   *regexp.Regexp
	inline *regexp.Regexp
	// loose pass
	looseBare   *regexp.Regexp
	loosePrefix *regexp.Regexp
}

var headerPatterns = buildHeaderPatterns()

var headingMarker = regexp.MustCompile(`(?m)^[ \t]*#{1,6}[ \t]*`)

// underscoreEmphasis matches __text__ only when the underscores are not
// inside a word, so identifiers like snake__case survive.
var underscoreEmphasis = regexp.MustCompile(`(?m)(^|[^\w])__([^_\n]+?)__($|[^\w])`)

func buildHeaderPatterns() []headerPattern {
	patterns := make([]headerPattern, 0, len(CanonicalOrder))
	for _, name := range CanonicalOrder {
		n := regexp.QuoteMeta(string(name))
		l := regexp.QuoteMeta(name.initial())
		patterns = append(patterns, headerPattern{
			name:        name,
			bare:        regexp.MustCompile(`(?i)^\s*(?:` + l + `\s*[-–]\s*)?` + n + `\s*:?\s*$`),
			inline:      regexp.MustCompile(`(?i)^\s*(?:` + l + `\s*[-–]\s*)?` + n + `\s*(?::|\s[-–]\s)\s*(.*\S)\s*$`),
			looseBare:   regexp.MustCompile(`(?i)^\s*` + n + `\s*:?\s*$`),
			loosePrefix: regexp.MustCompile(`^\s*(?:(?i:` + n + `)\s*:|` + l + `\s*:|` + l + `\s*[-–](?:\s|$))(.*)$`),
		})
	}
	return patterns
}

type headerLine struct {
	index  int
	name   SectionName
	inline string
}

// Parse decomposes a narrative into a Document. Sections come out in
// canonical order regardless of the order their headers appear in, and each
// section body is passed through Normalize.
func Parse(narrative string) Document {
	return parse(narrative, true)
}

// ParseRaw is Parse without Normalize. It reads back text this package
// serialized, where section bodies are already in their final form.
func ParseRaw(narrative string) Document {
	return parse(narrative, false)
}

func parse(narrative string, normalize bool) Document {
	lines := strings.Split(stripMarkdown(narrative), "\n")

	if doc, found := parseStrict(lines, normalize); found {
		return doc
	}
	return parseLoose(lines, normalize)
}

func stripMarkdown(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "**", "")
	for {
		next := underscoreEmphasis.ReplaceAllString(s, "$1$2$3")
		if next == s {
			break
		}
		s = next
	}
	return headingMarker.ReplaceAllString(s, "")
}

func finish(content string, normalize bool) string {
	if normalize {
		return Normalize(content)
	}
	return content
}

func classifyStrict(line string) (SectionName, string, bool) {
	for _, p := range headerPatterns {
		if p.bare.MatchString(line) {
			return p.name, "", true
		}
		if m := p.inline.FindStringSubmatch(line); m != nil {
			return p.name, m[1], true
		}
	}
	return "", "", false
}

func parseStrict(lines []string, normalize bool) (Document, bool) {
	var headers []headerLine
	for i, line := range lines {
		if name, inline, ok := classifyStrict(line); ok {
			headers = append(headers, headerLine{index: i, name: name, inline: inline})
		}
	}
	if len(headers) == 0 {
		return Document{}, false
	}

	seen := make(map[SectionName]bool, len(CanonicalOrder))
	byName := make(map[SectionName]string, len(CanonicalOrder))
	for k, h := range headers {
		if seen[h.name] {
			continue
		}
		seen[h.name] = true

		end := len(lines)
		if k+1 < len(headers) {
			end = headers[k+1].index
		}
		body := lines[h.index+1 : end]
		if h.inline != "" {
			body = append([]string{h.inline}, body...)
		}
		if content := strings.TrimSpace(strings.Join(body, "\n")); content != "" {
			byName[h.name] = finish(content, normalize)
		}
	}
	return fromMap(byName), true
}

func classifyLoose(line string) (SectionName, string, bool) {
	for _, p := range headerPatterns {
		if p.looseBare.MatchString(line) {
			return p.name, "", true
		}
		if m := p.loosePrefix.FindStringSubmatch(line); m != nil {
			return p.name, strings.TrimSpace(m[1]), true
		}
	}
	return "", "", false
}

func parseLoose(lines []string, normalize bool) Document {
	acc := make(map[SectionName][]string, len(CanonicalOrder))
	var current SectionName
	active := false

	for _, line := range lines {
		if name, rest, ok := classifyLoose(line); ok {
			if len(acc[name]) > 0 {
				acc[name] = append(acc[name], "")
			}
			current, active = name, true
			if rest != "" {
				acc[name] = append(acc[name], rest)
			}
			continue
		}
		if active {
			acc[current] = append(acc[current], line)
		}
	}

	byName := make(map[SectionName]string, len(acc))
	for name, body := range acc {
		if content := strings.TrimSpace(strings.Join(body, "\n")); content != "" {
			byName[name] = finish(content, normalize)
		}
	}
	return fromMap(byName)
}

var subHeaderLine = regexp.MustCompile(`^[A-Z][A-Za-z0-9/&()' -]{0,40}:$`)

var subHeaders = toSet(
	"Chief Complaint",
	"Presenting Complaint",
	"History",
	"History of Present Illness",
	"HPI",
	"Medical History",
	"Owner Concerns",
	"Owner Report",
	"Current Medications",
	"Medications",
	"Diet",
	"Behavior",
	"Vital Signs",
	"Vitals",
	"Physical Exam",
	"Physical Examination",
	"General Appearance",
	"Body Condition Score",
	"Weight",
	"Temperature",
	"Heart Rate",
	"Respiratory Rate",
	"Mucous Membranes",
	"Hydration",
	"Lymph Nodes",
	"Musculoskeletal",
	"Neurological",
	"Skin",
	"Diagnostics",
	"Diagnostic Results",
	"Labs",
	"Lab Results",
	"Imaging",
	"Diagnosis",
	"Primary Diagnosis",
	"Differential Diagnosis",
	"Differential Diagnoses",
	"Differentials",
	"Problem List",
	"Prognosis",
	"Treatment",
	"Treatment Plan",
	"Procedures",
	"Prescriptions",
	"Recommendations",
	"Client Communication",
	"Client Education",
	"Patient Education",
	"Follow-up",
	"Follow Up",
	"Recheck",
)

func toSet(items ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[strings.ToLower(item)] = struct{}{}
	}
	return set
}

func isSubHeader(line string) bool {
	t := strings.TrimSpace(line)
	if !subHeaderLine.MatchString(t) {
		return false
	}
	label := strings.TrimSpace(strings.TrimSuffix(t, ":"))
	_, ok := subHeaders[strings.ToLower(label)]
	return ok
}

// Normalize inserts a blank line before an interior sub-header ("Vitals:",
// "Differential Diagnosis:") that directly follows a non-blank line.
func Normalize(content string) string {
	lines := strings.Split(content, "\n")
	out := make([]string, 0, len(lines))
	for i, line := range lines {
		if i > 0 && isSubHeader(line) && strings.TrimSpace(lines[i-1]) != "" {
			out = append(out, "")
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
