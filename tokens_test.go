package main

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWords(t *testing.T) {
	assert.Equal(t, []string{"the", "cat", "sat", "on", "mat", "42"}, Words("The cat -- sat on   MAT, 42!"))
	assert.Empty(t, Words(" ... "))
}

func TestHashTokenizer(t *testing.T) {
	tok := must.M1(NewHashTokenizer(50))
	ids := tok.Tokenize("A good essay is a GOOD essay")
	require.Len(t, ids, 7)
	for _, id := range ids {
		assert.True(t, id >= 1 && id < 50, "id %d", id)
	}
	assert.Equal(t, ids[0], ids[4], "case must not matter")
	assert.Equal(t, ids[1], ids[5])
	assert.Equal(t, ids, tok.Tokenize("a good essay is a good essay"))

	tiny := must.M1(NewHashTokenizer(2))
	assert.Equal(t, []int{1, 1}, tiny.Tokenize("any words"))

	_, err := NewHashTokenizer(1)
	assert.Error(t, err)
}

func TestHashTokenizerBatch(t *testing.T) {
	tok := must.M1(NewHashTokenizer(100))
	b := must.M1(tok.Batch([]string{"one two three", "four"}))
	assert.Equal(t, []int{3, 1}, b.Lengths)
	assert.Equal(t, 3, b.MaxLen())
	assert.Equal(t, tok.Tokenize("four"), b.Sequence(1))

	_, err := tok.Batch([]string{"fine", "!!!"})
	assert.Error(t, err)
}
