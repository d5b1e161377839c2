package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/farukalpay/hyperion-runtime/internal/ghostarena"
)

func TestTokenize_SplitsOnWhitespaceAndPunctuation(t *testing.T) {
	got := Tokenize("hello, world! this is  a test.")
	assert.Equal(t, []string{"hello", "world", "this", "is", "a", "test"}, got)
}

func TestQuantize_ConstantVectorMapsToMinusOneTwentyEight(t *testing.T) {
	var v [Dimension]float32
	for i := range v {
		v[i] = 5.0
	}
	scale, bias, q := Quantize(v)
	assert.Equal(t, float32(1.0), scale)
	assert.Equal(t, float32(5.0), bias)
	for _, x := range q {
		assert.Equal(t, int8(-128), x)
	}
}

func TestQuantize_RangeCoversFullInt8Span(t *testing.T) {
	var v [Dimension]float32
	v[0] = 0
	v[1] = 10
	scale, bias, q := Quantize(v)
	assert.NotZero(t, scale)
	assert.Equal(t, float32(0), bias)
	assert.Equal(t, int8(-128), q[0])
	assert.Equal(t, int8(127), q[1])
}

func TestEncodeRecord_Size(t *testing.T) {
	var q [Dimension]int8
	buf := EncodeRecord(1.0, 0.0, q)
	assert.Len(t, buf, RecordSize)
}

func TestAppendRecord_RoundTripsThroughArena(t *testing.T) {
	arena, err := ghostarena.Open(1 << 24) // 16 MiB, plenty for one record
	require.NoError(t, err)
	defer arena.Close()

	headBefore, err := arena.HeadOffset()
	require.NoError(t, err)

	require.NoError(t, AppendRecord(arena, "the quick brown fox jumps over the lazy dog"))

	headAfter, err := arena.HeadOffset()
	require.NoError(t, err)
	assert.Equal(t, headBefore+uint64(RecordSize), headAfter)

	count, err := arena.VectorCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)

	readBack := make([]byte, RecordSize)
	require.NoError(t, arena.ReadAt(headBefore, readBack))

	vec := Vectorize(Tokenize("the quick brown fox jumps over the lazy dog"))
	scale, bias, quantized := Quantize(vec)
	assert.Equal(t, EncodeRecord(scale, bias, quantized), readBack)
}

// TestAppendRecord_SurvivesPageBoundaryStraddlingWrite forces a write whose
// byte range starts in an already-resident page and ends in one that has
// never been touched. RecordSize (264) does not divide the page size (4096):
// starting from HeaderSize (24), the 16th record's write begins at offset
// 3984 and runs to 4248, straddling the page 0/page 1 boundary.
func TestAppendRecord_SurvivesPageBoundaryStraddlingWrite(t *testing.T) {
	arena, err := ghostarena.Open(1 << 24)
	require.NoError(t, err)
	defer arena.Close()

	const recordsBeforeBoundary = 15
	for i := 0; i < recordsBeforeBoundary; i++ {
		require.NoError(t, AppendRecord(arena, "the quick brown fox jumps over the lazy dog"))
	}

	head, err := arena.HeadOffset()
	require.NoError(t, err)
	require.Equal(t, uint64(3984), head)
	require.Less(t, head, uint64(4096))
	require.Greater(t, head+uint64(RecordSize), uint64(4096))

	require.NoError(t, AppendRecord(arena, "one more record to cross the boundary"))

	assert.True(t, arena.IsResident(4095))
	assert.True(t, arena.IsResident(4096))

	count, err := arena.VectorCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(recordsBeforeBoundary+1), count)
}
