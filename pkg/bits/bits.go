// Package bits implements a small fixed-width bit array backed by a byte
// slice, used for bit-mapped input reports.
package bits

import (
	"fmt"
	"strconv"
	"strings"
)

type Bits struct {
	bytes []byte
}

// New returns a bit array spanning size bits, rounded up to whole bytes.
func New(size int) Bits {
	return Bits{bytes: make([]byte, (size+7)/8)}
}

func Wrap(data []byte) Bits {
	return Bits{bytes: data}
}

func (b Bits) Len() int {
	return len(b.bytes) * 8
}

func (b Bits) Bytes() []byte {
	return b.bytes
}

func (b Bits) IsSet(bit int) bool {
	if bit < 0 || bit >= b.Len() {
		return false
	}
	return b.bytes[bit/8]&(1<<(bit%8)) != 0
}

// Set sets the bit and reports whether the array changed.
func (b Bits) Set(bit int) bool {
	if bit < 0 || bit >= b.Len() {
		return false
	}
	changed := b.bytes[bit/8]&(1<<(bit%8)) == 0
	b.bytes[bit/8] |= 1 << (bit % 8)
	return changed
}

// Clear clears the bit and reports whether the array changed.
func (b Bits) Clear(bit int) bool {
	if bit < 0 || bit >= b.Len() {
		return false
	}
	changed := b.bytes[bit/8]&(1<<(bit%8)) != 0
	b.bytes[bit/8] &^= 1 << (bit % 8)
	return changed
}

func (b Bits) ClearAll() bool {
	changed := false
	for i := range b.bytes {
		if b.bytes[i] != 0 {
			changed = true
		}
		b.bytes[i] = 0
	}
	return changed
}

func (b Bits) IsEmpty() bool {
	for _, byt := range b.bytes {
		if byt != 0 {
			return false
		}
	}
	return true
}

func (b Bits) Clone() Bits {
	data := make([]byte, len(b.bytes))
	copy(data, b.bytes)
	return Bits{bytes: data}
}

func (b Bits) String() string {
	parts := make([]string, len(b.bytes))
	for i, byt := range b.bytes {
		parts[i] = fmt.Sprintf("%08b", byt)
	}
	return strings.Join(parts, " ")
}

// FromString parses a string in the format produced by String.
func FromString(s string) (Bits, error) {
	byteStrs := strings.Fields(s)
	b := Bits{bytes: make([]byte, len(byteStrs))}
	for i, byteStr := range byteStrs {
		v, err := strconv.ParseUint(byteStr, 2, 8)
		if err != nil {
			return Bits{}, fmt.Errorf("invalid byte value %q", byteStr)
		}
		b.bytes[i] = byte(v)
	}
	return b, nil
}
