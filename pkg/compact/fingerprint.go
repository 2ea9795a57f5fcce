package compact

import (
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint returns a content hash for exact-duplicate detection.
// Question and answer are case-folded and whitespace-normalized first,
// so trivially re-ingested records collapse without a gateway call.
func Fingerprint(question, answer string) [32]byte {
	q := normalize(question)
	a := normalize(answer)
	return blake2b.Sum256([]byte(q + "\x00" + a))
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
