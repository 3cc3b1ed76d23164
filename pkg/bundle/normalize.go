package bundle

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Normalize is the comparison form of a text: NFC, case folded, with runs of
// whitespace collapsed to one space.
func Normalize(s string) string {
	s = cases.Fold().String(norm.NFC.String(s))
	return strings.Join(strings.Fields(s), " ")
}

// IsTranslated reports whether translated counts as a translation of source.
// An empty value or one equal to the source after normalization is an
// untranslated fallback.
func IsTranslated(source, translated string) bool {
	if strings.TrimSpace(translated) == "" {
		return false
	}
	return Normalize(source) != Normalize(translated)
}
