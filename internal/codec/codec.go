// Package codec implements the bit-level decode pipeline for Modbus
// register values: endian swaps, scale/offset adjustment, and the
// numeric, string and array value types.
//
// Numeric scaling is done with github.com/shopspring/decimal instead of
// binary floating point, so a register scaled by a power of ten never
// publishes values like 12.300000000000001.
package codec

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strings"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// Numeric identifies a fixed-width numeric wire type.
type Numeric string

const (
	U8  Numeric = "u8"
	U16 Numeric = "u16"
	U32 Numeric = "u32"
	U64 Numeric = "u64"
	I8  Numeric = "i8"
	I16 Numeric = "i16"
	I32 Numeric = "i32"
	I64 Numeric = "i64"
	F32 Numeric = "f32"
	F64 Numeric = "f64"
)

// normalizeNumeric maps the "s8".."s64" aliases onto their "i8".."i64"
// canonical form. An empty type means u16, the narrowest common register.
func normalizeNumeric(s string) (Numeric, error) {
	switch s {
	case "u8":
		return U8, nil
	case "u16", "":
		return U16, nil
	case "u32":
		return U32, nil
	case "u64":
		return U64, nil
	case "i8", "s8":
		return I8, nil
	case "i16", "s16":
		return I16, nil
	case "i32", "s32":
		return I32, nil
	case "i64", "s64":
		return I64, nil
	case "f32":
		return F32, nil
	case "f64":
		return F64, nil
	default:
		return "", fmt.Errorf("codec: unknown numeric type %q", s)
	}
}

// WordSize returns the number of 16-bit Modbus words a value of this
// numeric type occupies.
func (n Numeric) WordSize() int {
	switch n {
	case U8, I8, U16, I16:
		return 1
	case U32, I32, F32:
		return 2
	case U64, I64, F64:
		return 4
	default:
		return 0
	}
}

// Kind discriminates the three value-type shapes.
type Kind int

const (
	KindNumeric Kind = iota
	KindString
	KindArray
)

// Spec is a fully-parsed parse spec: swap flags plus a value type.
type Spec struct {
	SwapBytes bool
	SwapWords bool

	Kind Kind

	// Numeric-and-Array-element fields.
	Numeric Numeric
	Scale   int8
	Offset  int64

	// String fields.
	StringLength int // words

	// Array fields.
	ArrayCount int
}

// Size returns the number of 16-bit words this spec decodes from.
func (s Spec) Size() int {
	switch s.Kind {
	case KindString:
		return s.StringLength
	case KindArray:
		return s.Numeric.WordSize() * s.ArrayCount
	default:
		return s.Numeric.WordSize()
	}
}

// rawSpec is the wire JSON shape: the "type" field carries either a bare
// numeric name or the "string"/"array" tags, with the swap flags and the
// variant-specific fields flattened alongside.
type rawSpec struct {
	SwapBytes bool `json:"swap_bytes,omitempty"`
	SwapWords bool `json:"swap_words,omitempty"`

	Type   string `json:"type,omitempty"`
	Scale  int8   `json:"scale,omitempty"`
	Offset int64  `json:"offset,omitempty"`

	Length int `json:"length,omitempty"` // string

	Count int    `json:"count,omitempty"` // array
	Of    string `json:"of,omitempty"`    // array element type
}

// UnmarshalJSON parses the wire parse-spec shape.
func (s *Spec) UnmarshalJSON(data []byte) error {
	var raw rawSpec
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.SwapBytes = raw.SwapBytes
	s.SwapWords = raw.SwapWords

	switch raw.Type {
	case "string":
		if raw.Length <= 0 {
			return fmt.Errorf("codec: string parse spec requires a positive length")
		}
		s.Kind = KindString
		s.StringLength = raw.Length

	case "array":
		of, err := normalizeNumeric(raw.Of)
		if err != nil {
			return err
		}
		if raw.Count <= 0 {
			return fmt.Errorf("codec: array parse spec requires a positive count")
		}
		s.Kind = KindArray
		s.Numeric = of
		s.ArrayCount = raw.Count
		s.Scale = raw.Scale
		s.Offset = raw.Offset

	default:
		of, err := normalizeNumeric(raw.Type)
		if err != nil {
			return err
		}
		s.Kind = KindNumeric
		s.Numeric = of
		s.Scale = raw.Scale
		s.Offset = raw.Offset
	}

	return nil
}

// MarshalJSON renders the spec back to the same wire shape it was parsed
// from (used by the connector when republishing inline register defs).
func (s Spec) MarshalJSON() ([]byte, error) {
	raw := rawSpec{
		SwapBytes: s.SwapBytes,
		SwapWords: s.SwapWords,
	}
	switch s.Kind {
	case KindString:
		raw.Type = "string"
		raw.Length = s.StringLength
	case KindArray:
		raw.Type = "array"
		raw.Count = s.ArrayCount
		raw.Of = string(s.Numeric)
		raw.Scale = s.Scale
		raw.Offset = s.Offset
	default:
		raw.Type = string(s.Numeric)
		raw.Scale = s.Scale
		raw.Offset = s.Offset
	}
	return json.Marshal(raw)
}

// Decode runs the full bit-level decode pipeline against a sequence of
// 16-bit words. words must have length Spec.Size(); the register monitor
// guarantees that, so a mismatch returns an error rather than panicking.
func Decode(spec Spec, words []uint16) (any, error) {
	if len(words) != spec.Size() {
		return nil, fmt.Errorf("codec: word count mismatch: spec wants %d, got %d", spec.Size(), len(words))
	}

	swapped := applySwaps(words, spec.SwapBytes, spec.SwapWords)

	switch spec.Kind {
	case KindString:
		return decodeString(swapped), nil

	case KindArray:
		wsz := spec.Numeric.WordSize()
		out := make([]json.Number, 0, spec.ArrayCount)
		for i := 0; i < spec.ArrayCount; i++ {
			chunk := swapped[i*wsz : (i+1)*wsz]
			n, err := decodeNumeric(spec.Numeric, chunk, spec.Scale, spec.Offset)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
		return out, nil

	default:
		return decodeNumeric(spec.Numeric, swapped, spec.Scale, spec.Offset)
	}
}

// applySwaps applies, in order: a byte swap within each word, then a word
// swap across adjacent pairs. Both are idempotent under
// double-application. A trailing unpaired word (possible
// for string/array specs of odd length) is left untouched by the word
// swap rather than silently dropped.
func applySwaps(words []uint16, swapBytes, swapWords bool) []uint16 {
	out := make([]uint16, len(words))
	copy(out, words)

	if swapBytes {
		for i, w := range out {
			out[i] = (w >> 8) | (w << 8)
		}
	}

	if swapWords {
		n := len(out) - len(out)%2
		for i := 0; i < n; i += 2 {
			out[i], out[i+1] = out[i+1], out[i]
		}
	}

	return out
}

func wordsToBytes(words []uint16) []byte {
	buf := make([]byte, len(words)*2)
	for i, w := range words {
		binary.BigEndian.PutUint16(buf[i*2:], w)
	}
	return buf
}

// decodeNumeric interprets a big-endian byte sequence as the requested
// numeric type, then applies final = 10^scale * raw + offset in exact
// decimal arithmetic.
func decodeNumeric(kind Numeric, words []uint16, scale int8, offset int64) (json.Number, error) {
	bs := wordsToBytes(words)

	var raw decimal.Decimal
	switch kind {
	case U8:
		// low byte of the single big-endian word
		raw = decimal.NewFromInt(int64(bs[1]))
	case I8:
		raw = decimal.NewFromInt(int64(int8(bs[1])))
	case U16:
		raw = decimal.NewFromInt(int64(binary.BigEndian.Uint16(bs)))
	case I16:
		raw = decimal.NewFromInt(int64(int16(binary.BigEndian.Uint16(bs))))
	case U32:
		raw = decimal.NewFromInt(int64(binary.BigEndian.Uint32(bs)))
	case I32:
		raw = decimal.NewFromInt(int64(int32(binary.BigEndian.Uint32(bs))))
	case U64:
		raw = decimal.NewFromBigInt(new(big.Int).SetUint64(binary.BigEndian.Uint64(bs)), 0)
	case I64:
		raw = decimal.NewFromInt(int64(binary.BigEndian.Uint64(bs)))
	case F32:
		bits := binary.BigEndian.Uint32(bs)
		raw = decimal.NewFromFloat32(math.Float32frombits(bits))
	case F64:
		bits := binary.BigEndian.Uint64(bs)
		raw = decimal.NewFromFloat(math.Float64frombits(bits))
	default:
		return "", fmt.Errorf("codec: unknown numeric type %q", kind)
	}

	scaleFactor := decimal.New(1, int32(scale))
	final := scaleFactor.Mul(raw).Add(decimal.NewFromInt(offset))

	return json.Number(final.String()), nil
}

// decodeString concatenates words into bytes, replaces invalid UTF-8
// sequences, and trims trailing NULs.
func decodeString(words []uint16) string {
	bs := wordsToBytes(words)
	s := strings.ToValidUTF8(string(bs), string(utf8.RuneError))
	return strings.TrimRight(s, "\x00")
}
