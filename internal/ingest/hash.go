package ingest

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint returns the content hash used for duplicate detection. xxhash
// is not cryptographic, which is fine here: the hash gates a skip decision,
// not trust, and it stays cheap on multi-megabyte PDFs.
func Fingerprint(content []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(content))
}
