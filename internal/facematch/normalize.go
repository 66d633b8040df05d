package facematch

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// RemoveDiacritics strips combining marks: "Jiří" becomes "Jiri".
func RemoveDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	result, _, _ := transform.String(t, s)
	return result
}

// NormalizePersonName folds a person name into its lookup key: no
// diacritics, lower case, dashes read as spaces and whitespace collapsed.
// "  Jan-Novák " and "jan novak" share a key.
func NormalizePersonName(name string) string {
	name = strings.ReplaceAll(RemoveDiacritics(name), "-", " ")
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}
