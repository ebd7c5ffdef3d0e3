// Package objectid implements the 12-byte document identifier described in
// spec §3: 4-byte epoch seconds, 5-byte machine/process nonce, 3-byte
// monotonic counter, all fields big-endian.
package objectid

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Size is the length in bytes of an ObjectID.
const Size = 12

// ObjectID is the primary-key type used for every document's _id field
// when the caller does not supply one.
type ObjectID [Size]byte

// processNonce is the 5-byte machine/process identifier shared by every
// ObjectID minted in this process. Seeded once from a random UUID rather
// than hashing hostname+pid, so it stays unique across containers that
// share a hostname.
var processNonce = makeProcessNonce()

var counter = newCounter()

func makeProcessNonce() [5]byte {
	var n [5]byte
	id := uuid.New()
	copy(n[:], id[:5])
	return n
}

// newCounter seeds the monotonic counter from crypto/rand so that two
// processes started in the same second don't mint colliding ids.
func newCounter() *atomic.Uint32 {
	var seed [3]byte
	_, _ = rand.Read(seed[:])
	c := &atomic.Uint32{}
	c.Store(uint32(seed[0])<<16 | uint32(seed[1])<<8 | uint32(seed[2]))
	return c
}

// New mints a fresh ObjectID: current epoch seconds, the process nonce,
// and the next value of a monotonic counter (wrapping at 2^24).
func New() ObjectID {
	return newAt(time.Now())
}

func newAt(t time.Time) ObjectID {
	var id ObjectID
	binary.BigEndian.PutUint32(id[0:4], uint32(t.Unix()))
	copy(id[4:9], processNonce[:])
	n := counter.Add(1) & 0x00FFFFFF
	id[9] = byte(n >> 16)
	id[10] = byte(n >> 8)
	id[11] = byte(n)
	return id
}

// ErrInvalidLength is returned when decoding bytes that aren't exactly
// Size long.
var ErrInvalidLength = errors.New("objectid: input must be 12 bytes")

// FromBytes wraps an existing 12-byte id, e.g. one read back off a page.
func FromBytes(b []byte) (ObjectID, error) {
	var id ObjectID
	if len(b) != Size {
		return id, ErrInvalidLength
	}
	copy(id[:], b)
	return id, nil
}

// FromHex parses a 24-character hex string, the standard textual form.
func FromHex(s string) (ObjectID, error) {
	var id ObjectID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	return FromBytes(b)
}

// Bytes returns the raw 12 bytes.
func (id ObjectID) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, id[:])
	return out
}

// Hex returns the standard 24-character lowercase hex representation.
func (id ObjectID) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id ObjectID) String() string { return id.Hex() }

// Timestamp extracts the epoch-seconds field as a time.Time.
func (id ObjectID) Timestamp() time.Time {
	sec := binary.BigEndian.Uint32(id[0:4])
	return time.Unix(int64(sec), 0).UTC()
}

// IsZero reports whether id is the zero value (never minted).
func (id ObjectID) IsZero() bool {
	return id == ObjectID{}
}

// Compare orders two ObjectIDs lexicographically by byte, which is also
// chronological order given the big-endian timestamp prefix.
func Compare(a, b ObjectID) int {
	for i := 0; i < Size; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
