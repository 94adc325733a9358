// Package tsid allocates time-sorted identifiers: 42 bits of
// milliseconds since 2020-01-01 followed by 22 random bits, rendered as
// 13 Crockford Base32 characters. IDs sort lexicographically by creation
// time, which keeps Mongo _id indexes append-friendly.
package tsid

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"sync"
	"time"
)

const (
	// epochMillis is 2020-01-01T00:00:00Z. The 42-bit field lasts until
	// 2159.
	epochMillis = 1577836800000

	randomBits = 22
	randomMask = (1 << randomBits) - 1

	// seqMask carves the low bits of the random field for the
	// same-millisecond sequence.
	seqMask = 0xFFFF

	encodedLen = 13
	alphabet   = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
)

// ErrInvalidTSID is returned when parsing a malformed identifier.
var ErrInvalidTSID = errors.New("invalid tsid")

var decodeTable [256]int8

func init() {
	for i := range decodeTable {
		decodeTable[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		c := alphabet[i]
		decodeTable[c] = int8(i)
		if c >= 'A' && c <= 'Z' {
			decodeTable[c+'a'-'A'] = int8(i)
		}
	}
	// Crockford aliases: characters excluded from the alphabet decode to
	// the digit they are commonly mistaken for.
	for c, v := range map[byte]int8{'O': 0, 'o': 0, 'I': 1, 'i': 1, 'L': 1, 'l': 1} {
		decodeTable[c] = v
	}
}

// Generator allocates TSIDs. The zero value is ready to use; Generate is
// safe for concurrent callers.
type Generator struct {
	mu   sync.Mutex
	last int64
	seq  uint32
}

var defaultGenerator Generator

// Generate allocates a TSID from the process-wide generator.
func Generate() string {
	return defaultGenerator.Generate()
}

// Generate allocates a new TSID. Within one millisecond the low bits of
// the random field carry an incrementing sequence, so IDs allocated
// back-to-back stay distinct and ordered.
func (g *Generator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UnixMilli() - epochMillis

	var buf [4]byte
	_, _ = rand.Read(buf[:])
	random := binary.BigEndian.Uint32(buf[:]) & randomMask

	if now == g.last {
		g.seq++
		random = (random &^ seqMask) | (g.seq & seqMask)
	} else {
		g.last = now
		g.seq = 0
	}

	return Format(int64(uint64(now)<<randomBits | uint64(random)))
}

// Format renders a numeric TSID as its 13-character string form.
func Format(value int64) string {
	v := uint64(value)
	out := make([]byte, encodedLen)
	for i := encodedLen - 1; i >= 0; i-- {
		out[i] = alphabet[v&0x1F]
		v >>= 5
	}
	return string(out)
}

// Parse converts a TSID string to its numeric form. Aliased characters
// (o for 0, i and l for 1) are accepted per Crockford's rules.
func Parse(s string) (int64, error) {
	if len(s) != encodedLen {
		return 0, ErrInvalidTSID
	}
	var v uint64
	for i := 0; i < len(s); i++ {
		d := decodeTable[s[i]]
		if d < 0 {
			return 0, ErrInvalidTSID
		}
		v = v<<5 | uint64(d)
	}
	return int64(v), nil
}

// Timestamp extracts the creation time carried in a TSID.
func Timestamp(s string) (time.Time, error) {
	v, err := Parse(s)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(v>>randomBits + epochMillis), nil
}
