package scorer

// Batch is a padded, time-major batch of token id sequences.
//
// Tokens is indexed [t][i]: position t of sequence i. Positions t >= Lengths[i]
// are padding; token id 0 is reserved for padding.
type Batch struct {
	Tokens  [][]int
	Lengths []int
}

// NewBatch pads seqs with 0 to the longest sequence and records their true
// lengths.
func NewBatch(seqs [][]int) (*Batch, error) {
	if len(seqs) == 0 {
		return nil, inputErrorf("empty batch")
	}
	maxLen := 0
	lengths := make([]int, len(seqs))
	for i, s := range seqs {
		if len(s) == 0 {
			return nil, inputErrorf("sequence %d has zero length", i)
		}
		lengths[i] = len(s)
		if len(s) > maxLen {
			maxLen = len(s)
		}
	}
	tokens := make([][]int, maxLen)
	for t := range tokens {
		tokens[t] = make([]int, len(seqs))
		for i, s := range seqs {
			if t < len(s) {
				tokens[t][i] = s[t]
			}
		}
	}
	return &Batch{Tokens: tokens, Lengths: lengths}, nil
}

// MaxLen is the padded length M.
func (b *Batch) MaxLen() int { return len(b.Tokens) }

// Size is the number of sequences N.
func (b *Batch) Size() int { return len(b.Lengths) }

// Validate checks the batch against a vocabulary of the given size.
func (b *Batch) Validate(vocab int) error {
	m, n := b.MaxLen(), b.Size()
	if m == 0 || n == 0 {
		return inputErrorf("empty batch: %d positions, %d lengths", m, n)
	}
	for t, row := range b.Tokens {
		if len(row) != n {
			return inputErrorf("token row %d has %d entries, lengths has %d", t, len(row), n)
		}
		for i, id := range row {
			if id < 0 || id >= vocab {
				return inputErrorf("token %d at position %d of sequence %d is outside the vocabulary [0,%d)", id, t, i, vocab)
			}
		}
	}
	return checkLengths(b.Lengths, n, m)
}

// Sequence returns the true (unpadded) tokens of sequence i.
func (b *Batch) Sequence(i int) []int {
	seq := make([]int, b.Lengths[i])
	for t := range seq {
		seq[t] = b.Tokens[t][i]
	}
	return seq
}

func checkLengths(lengths []int, n, m int) error {
	if len(lengths) != n {
		return inputErrorf("got %d lengths for a batch of %d", len(lengths), n)
	}
	for i, l := range lengths {
		if l <= 0 {
			return inputErrorf("sequence %d has length %d", i, l)
		}
		if l > m {
			return inputErrorf("sequence %d has length %d, longer than the %d stored positions", i, l, m)
		}
	}
	return nil
}

// mask returns, for each timestep, a [n] slice holding 1 where t < lengths[i].
func mask(lengths []int, m int) [][]float32 {
	out := make([][]float32, m)
	for t := range out {
		out[t] = make([]float32, len(lengths))
		for i, l := range lengths {
			if t < l {
				out[t][i] = 1
			}
		}
	}
	return out
}
