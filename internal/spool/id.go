package spool

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"
)

// crockford is the Crockford base32 alphabet: no I, L, O, U, to avoid
// confusion when an identifier is read aloud or typed by hand.
const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// NewID returns a new, lexicographically sortable, time-ordered message
// identifier: a 64-bit millisecond timestamp followed by 64 bits of
// randomness, both Crockford base32 encoded.
func NewID() string {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(time.Now().UnixMilli()))
	if _, err := rand.Read(buf[8:]); err != nil {
		// crypto/rand failing is catastrophic for the whole process, not
		// just ID generation; there is no sane fallback.
		panic(fmt.Sprintf("spool: crypto/rand failed: %v", err))
	}
	return encode(buf[:])
}

func encode(b []byte) string {
	// 5 bits per output character.
	var out []byte
	acc := uint32(0)
	bits := 0
	for _, c := range b {
		acc = acc<<8 | uint32(c)
		bits += 8
		for bits >= 5 {
			bits -= 5
			out = append(out, crockford[(acc>>uint(bits))&0x1f])
		}
	}
	if bits > 0 {
		out = append(out, crockford[(acc<<uint(5-bits))&0x1f])
	}
	return string(out)
}
