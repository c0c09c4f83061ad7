package rollparser

import (
	"regexp"
	"strings"
)

// epicPattern is deliberately loose so OCR misreads still anchor a block:
// "O" for "0", ">" for a leading letter, stray slashes between digit groups.
var epicPattern = regexp.MustCompile(`[A-Z0-9>]{2,}[/\\]?[\dO]+[/\\]?[\dO]+[/\\]?[\dO]+|[A-Z0-9>]{3}[\dO]{6,7}`)

// HasEPIC reports whether the text contains an EPIC-like code.
func HasEPIC(text string) bool {
	return epicPattern.MatchString(text)
}

// FindEPIC returns the first EPIC-like code in text, normalised.
func FindEPIC(text string) (string, bool) {
	raw := epicPattern.FindString(text)
	if raw == "" {
		return "", false
	}
	return NormalizeEPIC(raw), true
}

// NormalizeEPIC applies the fixed OCR corrections. The result is not
// validated against any EPIC format.
func NormalizeEPIC(raw string) string {
	epic := raw
	if strings.HasPrefix(epic, ">") {
		epic = "X" + epic[1:]
	}
	if strings.HasPrefix(epic, "3&") {
		epic = "XE" + epic[2:]
	}
	return strings.ReplaceAll(epic, "O", "0")
}
