package codec

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// domainKey is a 32-byte key for BLAKE3 keyed hashing. The same bytes hash
// differently as a source file than as a derived content block.
type domainKey [32]byte

var contentDomainKey = domainKey{
	'c', 't', 'x', 's', 'y', 'n', 'c', '.', 'c', 'o', 'n', 't', 'e', 'n', 't', 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// SourceFingerprint returns the hex BLAKE3-256 digest of raw source bytes.
func SourceFingerprint(data []byte) string {
	sum := blake3.Sum256(data)

	return hex.EncodeToString(sum[:])
}

// ContentFingerprint returns the hex keyed BLAKE3-256 digest of an encoded
// derived content block.
func ContentFingerprint(encoded []byte) string {
	h, err := blake3.NewKeyed(contentDomainKey[:])
	if err != nil {
		// NewKeyed only fails for keys that are not 32 bytes.
		panic("codec: blake3 keyed hasher: " + err.Error())
	}

	_, _ = h.Write(encoded)

	return hex.EncodeToString(h.Sum(nil))
}
