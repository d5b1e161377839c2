// Package pipeline implements the document pipeline glue named in the core
// spec: tokenize -> hash-vectorize -> scalar-quantize -> append to the
// Ghost Arena at its head offset. The tokenizer and vectorizer are
// deliberately minimal stand-ins — the core spec excludes a real
// tokenizer/IDF model as an external collaborator — that exist only so the
// pipeline is runnable end to end and exercises the arena's record layout.
package pipeline

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/farukalpay/hyperion-runtime/internal/ghostarena"
)

// Dimension is the reference design's vector width (D=256), per the core
// spec's arena record layout.
const Dimension = 256

// RecordSize is sizeof(scale f32 + bias f32 + quantized int8[Dimension]).
const RecordSize = 4 + 4 + Dimension

// Tokenize splits text on whitespace and common punctuation. It is a
// fixed, non-configurable stand-in for the excluded real tokenizer.
func Tokenize(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			return true
		case r == '.' || r == ',' || r == '!' || r == '?' || r == ';' || r == ':':
			return true
		default:
			return false
		}
	})
}

// Vectorize hashes each token into one of Dimension lanes (feature
// hashing), accumulating a count per lane, standing in for the excluded
// IDF-weighted vectorizer named in the core spec's "hash-vectorize" step.
func Vectorize(tokens []string) [Dimension]float32 {
	var v [Dimension]float32
	for _, tok := range tokens {
		lane := xxhash.Sum64String(tok) % Dimension
		v[lane]++
	}
	return v
}

// Quantize maps a float32 vector to (scale, bias, int8 lanes) per the core
// spec's exact per-lane formula:
//
//	q = clamp(round(((v - min)/(max - min)) * 255) - 128, -128, 127)
//
// If |max - min| < 1e-6, scale is 1.0 and every lane maps to -128.
func Quantize(v [Dimension]float32) (scale, bias float32, out [Dimension]int8) {
	min, max := v[0], v[0]
	for _, x := range v {
		if x < min {
			min = x
		}
		if x > max {
			max = x
		}
	}

	if math.Abs(float64(max-min)) < 1e-6 {
		scale = 1.0
		bias = min
		for i := range out {
			out[i] = -128
		}
		return scale, bias, out
	}

	scale = (max - min) / 255
	bias = min
	for i, x := range v {
		norm := (x - min) / (max - min)
		q := int32(math.Round(float64(norm)*255)) - 128
		if q < -128 {
			q = -128
		}
		if q > 127 {
			q = 127
		}
		out[i] = int8(q)
	}
	return scale, bias, out
}

// EncodeRecord packs (scale, bias, quantized lanes) into the exact
// little-endian on-arena layout the core spec's §6 defines.
func EncodeRecord(scale, bias float32, quantized [Dimension]int8) []byte {
	buf := make([]byte, RecordSize)
	binary.LittleEndian.PutUint32(buf[0:4], math.Float32bits(scale))
	binary.LittleEndian.PutUint32(buf[4:8], math.Float32bits(bias))
	for i, q := range quantized {
		buf[8+i] = byte(q)
	}
	return buf
}

// AppendRecord runs the full tokenize -> vectorize -> quantize -> encode
// pipeline over text and appends the resulting record to arena, in the
// record append protocol's order: write record bytes at head_offset,
// advance head_offset, then increment vector_count last. The header
// updates are plain (non-atomic, unordered) writes through the arena, so
// AppendRecord is not safe for concurrent callers on the same arena.
func AppendRecord(arena *ghostarena.Arena, text string) error {
	tokens := Tokenize(text)
	vec := Vectorize(tokens)
	scale, bias, quantized := Quantize(vec)
	record := EncodeRecord(scale, bias, quantized)

	head, err := arena.HeadOffset()
	if err != nil {
		return err
	}
	if err := arena.WriteAt(head, record); err != nil {
		return err
	}
	if err := arena.AdvanceHead(uint64(len(record))); err != nil {
		return err
	}
	return arena.IncrementVectorCount()
}
