package ingest

import "strings"

// NormalizeName canonicalizes an establishment name for lookup: lowercased
// with whitespace runs collapsed. Extraction output and operator input both
// go through this, so "Padaria  Central " and "padaria central" resolve to
// the same row.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}
