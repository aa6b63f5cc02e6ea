package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVectorRoundTrip(t *testing.T) {
	vec := []float32{0.25, -1.5, 3.75, 0}
	decoded, err := DecodeVector(EncodeVector(vec))
	require.NoError(t, err)
	assert.Equal(t, vec, decoded)
}

func TestDecodeVectorBadLength(t *testing.T) {
	_, err := DecodeVector([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	// anti-correlated vectors clamp to zero rather than going negative
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}))
	// degenerate inputs
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, CosineSimilarity(nil, nil))
}

func TestListOptionsNormalize(t *testing.T) {
	o := ListOptions{}
	o.Normalize()
	assert.Equal(t, DefaultListLimit, o.Limit)

	o = ListOptions{Limit: 1000}
	o.Normalize()
	assert.Equal(t, MaxListLimit, o.Limit)
}

func TestGraphBoundsNormalize(t *testing.T) {
	b := GraphBounds{}
	b.Normalize()
	assert.Equal(t, 50, b.MaxNodes)
	assert.Equal(t, 2, b.Depth)

	b = GraphBounds{MaxNodes: 10000, Depth: 99}
	b.Normalize()
	assert.Equal(t, 500, b.MaxNodes)
	assert.Equal(t, 6, b.Depth)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "short", Preview("short"))
	long := make([]rune, 0, 200)
	for i := 0; i < 200; i++ {
		long = append(long, 'a')
	}
	p := Preview(string(long))
	assert.Len(t, []rune(p), PreviewLen+1) // 80 + ellipsis
}
