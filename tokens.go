package main

import (
	"crypto/md5"
	"encoding/binary"
	"strings"
	"unicode"

	"essayscore/scorer"

	"github.com/pkg/errors"
)

// HashTokenizer maps words to vocabulary ids by hashing, so no vocabulary
// file is needed. Id 0 is never produced; it is reserved for padding.
type HashTokenizer struct {
	Vocab int
}

func NewHashTokenizer(vocab int) (*HashTokenizer, error) {
	if vocab < 2 {
		return nil, errors.Errorf("hashing tokenizer needs a vocabulary of at least 2, got %d", vocab)
	}
	return &HashTokenizer{Vocab: vocab}, nil
}

// Words splits text on anything that is not a letter or digit and lowercases
// the pieces.
func Words(text string) []string {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for i, w := range words {
		words[i] = strings.ToLower(w)
	}
	return words
}

// ID returns the id of one word, in [1, Vocab).
func (t *HashTokenizer) ID(word string) int {
	hash := md5.Sum([]byte(word))
	h := binary.BigEndian.Uint64(hash[:8])
	return 1 + int(h%uint64(t.Vocab-1))
}

// Tokenize returns the ids of the words in text.
func (t *HashTokenizer) Tokenize(text string) []int {
	words := Words(text)
	ids := make([]int, len(words))
	for i, w := range words {
		ids[i] = t.ID(w)
	}
	return ids
}

// Batch tokenizes texts into one padded batch. Every text needs at least one
// word.
func (t *HashTokenizer) Batch(texts []string) (*scorer.Batch, error) {
	seqs := make([][]int, len(texts))
	for i, text := range texts {
		seqs[i] = t.Tokenize(text)
	}
	return scorer.NewBatch(seqs)
}
