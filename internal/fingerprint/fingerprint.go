// Package fingerprint computes fast, non-cryptographic content digests used
// to detect when a watched file has changed between two polls.
package fingerprint

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/cespare/xxhash/v2"
)

// ShortLen is the number of hex characters shown in change log lines.
const ShortLen = 8

// Fingerprint is the xxh64 digest of a byte sequence. The zero value is a
// valid digest (of some input), so callers track "no baseline" separately.
type Fingerprint uint64

// Sum returns the fingerprint of content. Equal content always yields an
// equal fingerprint.
func Sum(content []byte) Fingerprint {
	return Fingerprint(xxhash.Sum64(content))
}

// String returns the 16-character big-endian hex form, matching the
// hexdigest format of other xxh64 implementations.
func (f Fingerprint) String() string {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(f))
	return hex.EncodeToString(b[:])
}

// Short returns the first ShortLen hex characters.
func (f Fingerprint) Short() string {
	return f.String()[:ShortLen]
}
