package checksum

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// SourceHash combines the frontmatter and body digests into the document's
// source_hash. The two section hashes together determine the result.
func SourceHash(frontmatter, body []byte) string {
	h := sha256.New()
	h.Write([]byte(Sum(frontmatter)))
	h.Write([]byte(Sum(body)))
	return hex.EncodeToString(h.Sum(nil))
}
