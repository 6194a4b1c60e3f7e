package soapnote

import (
	"fmt"
	"strings"
)

type Format string

const (
	FormatPlain    Format = "plain"
	FormatMarkdown Format = "markdown"
)

// ParseFormat accepts "", "plain" and "markdown".
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatPlain:
		return FormatPlain, nil
	case FormatMarkdown:
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unknown format: %s", s)
	}
}

// Serialize renders each section as "<Name>:\n<content>\n\n". The output
// parses back into the same document.
func Serialize(doc Document) string {
	return render(doc, "", "")
}

// SerializeMarkdown renders headers in bold: "**<Name>:**\n<content>\n\n".
func SerializeMarkdown(doc Document) string {
	return render(doc, "**", "**")
}

// SerializeAs dispatches on the requested format.
func SerializeAs(doc Document, f Format) string {
	if f == FormatMarkdown {
		return SerializeMarkdown(doc)
	}
	return Serialize(doc)
}

func render(doc Document, open, close string) string {
	var b strings.Builder
	for _, s := range doc.Sections {
		b.WriteString(open)
		b.WriteString(string(s.Name))
		b.WriteString(":")
		b.WriteString(close)
		b.WriteString("\n")
		b.WriteString(s.Content)
		b.WriteString("\n\n")
	}
	return b.String()
}
