package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// essay is one non-empty input line and where it came from.
type essay struct {
	Source string
	Text   string
}

// example is one training line: K target scores and the essay text.
type example struct {
	Scores []float32
	Text   string
}

// readEssays reads one essay per line from every path, or from stdin when no
// path is given. Blank lines are skipped.
func readEssays(paths []string) ([]essay, error) {
	if len(paths) == 0 {
		return scanEssays(os.Stdin, "stdin")
	}
	var all []essay
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return nil, errors.Wrapf(err, "opening %s", p)
		}
		essays, err := scanEssays(f, p)
		f.Close()
		if err != nil {
			return nil, err
		}
		all = append(all, essays...)
	}
	return all, nil
}

func scanEssays(r io.Reader, source string) ([]essay, error) {
	var essays []essay
	err := scanLines(r, source, func(line int, text string) error {
		if len(Words(text)) == 0 {
			return nil
		}
		essays = append(essays, essay{Source: fmt.Sprintf("%s:%d", source, line), Text: text})
		return nil
	})
	return essays, err
}

// readExamples reads a training file of lines "s_1<TAB>...<TAB>s_K<TAB>text".
// Scores must be normalized to [0,1].
func readExamples(path string, outputs int) ([]example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	var examples []example
	err = scanLines(f, path, func(line int, text string) error {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		fields := strings.SplitN(text, "\t", outputs+1)
		if len(fields) != outputs+1 {
			return errors.Errorf("%s:%d: want %d scores and a text separated by tabs", path, line, outputs)
		}
		ex := example{Scores: make([]float32, outputs), Text: fields[outputs]}
		for k := 0; k < outputs; k++ {
			v, err := strconv.ParseFloat(strings.TrimSpace(fields[k]), 32)
			if err != nil {
				return errors.Wrapf(err, "%s:%d: score %d", path, line, k+1)
			}
			if v < 0 || v > 1 {
				return errors.Errorf("%s:%d: score %g is outside [0,1]", path, line, v)
			}
			ex.Scores[k] = float32(v)
		}
		if len(Words(ex.Text)) == 0 {
			return errors.Errorf("%s:%d: empty essay", path, line)
		}
		examples = append(examples, ex)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(examples) == 0 {
		return nil, errors.Errorf("%s holds no training examples", path)
	}
	return examples, nil
}

func scanLines(r io.Reader, source string, fn func(line int, text string) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if err := fn(line, sc.Text()); err != nil {
			return err
		}
	}
	return errors.Wrapf(sc.Err(), "reading %s", source)
}
