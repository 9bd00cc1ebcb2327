package store

import "strings"

// DefaultDocumentName is used when no level-1 heading can be derived.
const DefaultDocumentName = "Untitled"

// DeriveName extracts a document name from the first level-1 heading in the
// content, with markdown emphasis markers stripped. Falls back to
// DefaultDocumentName when the content is empty or has no level-1 heading.
func DeriveName(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "# ") {
			continue
		}
		name := stripEmphasis(strings.TrimSpace(line[2:]))
		if name == "" {
			return DefaultDocumentName
		}
		return name
	}
	return DefaultDocumentName
}

// stripEmphasis removes inline markdown emphasis markers, leaving plain text.
func stripEmphasis(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '*', '_', '`', '~':
			// emphasis / code markers
		default:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
