package sourcemap

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVLQRoundTrip(t *testing.T) {
	cases := [][]int{
		{0},
		{1, -1, 2, -2},
		{0, 0, 0},
		{123456, -123456},
		{16, -16, 15, -15},
	}
	for _, c := range cases {
		encoded := EncodeVLQ(c)
		decoded, err := DecodeVLQ(encoded)
		require.NoError(t, err)
		assert.Equal(t, c, decoded)
	}
}

func TestVLQRoundTripRandom(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		n := r.Intn(6) + 1
		nums := make([]int, n)
		for j := range nums {
			nums[j] = r.Intn(200000) - 100000
		}
		encoded := EncodeVLQ(nums)
		decoded, err := DecodeVLQ(encoded)
		require.NoError(t, err)
		assert.Equal(t, nums, decoded)
	}
}

func TestMappingsRoundTrip(t *testing.T) {
	lines := [][]Segment{
		{
			{GenCol: 0, SourceIdx: 0, OrigLine: 0, OrigCol: 0, HasSource: true},
			{GenCol: 4, SourceIdx: 0, OrigLine: 0, OrigCol: 4, NameIdx: 0, HasSource: true, HasName: true},
		},
		{
			{GenCol: 0, SourceIdx: 1, OrigLine: 5, OrigCol: 2, HasSource: true},
		},
		{},
	}
	encoded := EncodeMappings(lines)
	decoded, err := DecodeMappings(encoded)
	require.NoError(t, err)
	assert.Equal(t, lines, decoded)
}

func TestFindOriginalLocation(t *testing.T) {
	m := &Map{
		Sources: []string{"a.ts"},
		Mappings: [][]Segment{
			{
				{GenCol: 0, SourceIdx: 0, OrigLine: 9, OrigCol: 0, HasSource: true},
				{GenCol: 10, SourceIdx: 0, OrigLine: 10, OrigCol: 2, HasSource: true},
			},
		},
	}
	loc := m.FindOriginalLocation(0, 12)
	assert.True(t, loc.Found)
	assert.Equal(t, "a.ts", loc.Source)
	assert.Equal(t, 11, loc.Line) // OrigLine is 0-based internally, 1-based externally
}

func TestParseStackFrame(t *testing.T) {
	f, ok := ParseStackFrame("    at foo (https://example.com/a.js:10:5)")
	require.True(t, ok)
	assert.Equal(t, "foo", f.FunctionName)
	assert.Equal(t, "https://example.com/a.js", f.FileName)
	assert.Equal(t, 10, f.Line)
	assert.Equal(t, 5, f.Column)

	f2, ok2 := ParseStackFrame("    at https://example.com/b.js:1:1")
	require.True(t, ok2)
	assert.True(t, f2.Anonymous)

	_, ok3 := ParseStackFrame("not a stack frame at all")
	assert.False(t, ok3)
}
