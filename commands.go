package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strings"

	"essayscore/scorer"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
	"k8s.io/klog/v2"
)

var (
	outFlag = &cli.StringFlag{
		Name:     "out",
		Usage:    "Where to write the parameter bundle",
		Required: true,
	}

	halfFlag = &cli.BoolFlag{
		Name:  "half",
		Usage: "Store parameters in half precision",
	}

	initCmd = &cli.Command{
		Name:   "init",
		Usage:  "Creates a freshly initialized model and writes its parameters",
		Flags:  []cli.Flag{outFlag, halfFlag},
		Action: cmdInit,
	}

	inspectCmd = &cli.Command{
		Name:  "inspect",
		Usage: "Lists the parameters of a model",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  paramsFlag.Name,
				Usage: "Parameter bundle to check against the config (optional)",
			},
		},
		Action: cmdInspect,
	}

	scoreCmd = &cli.Command{
		Name:      "score",
		Usage:     "Scores essays, one per line, read from the given files or stdin",
		ArgsUsage: "[FILE...]",
		Flags:     []cli.Flag{paramsFlag},
		Action:    cmdScore,
	}

	fitCmd = &cli.Command{
		Name:  "fit",
		Usage: "Trains a model on tab-separated scores and essays",
		Flags: []cli.Flag{
			paramsFlag,
			&cli.StringFlag{
				Name:     "data",
				Usage:    "Training file, one 'score[<TAB>score...]<TAB>essay' per line",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "out",
				Usage: "Where to write the trained bundle (optional, defaults to --params)",
			},
			&cli.IntFlag{
				Name:  "epochs",
				Usage: "Passes over the training data",
				Value: 10,
			},
			&cli.FloatFlag{
				Name:  "lr",
				Usage: "Adam learning rate",
				Value: 0.001,
			},
			&cli.StringSliceFlag{
				Name:  "freeze",
				Usage: "Parameter name prefix to keep fixed, e.g. 'embedding.' (repeatable)",
			},
			halfFlag,
		},
		Action: cmdFit,
	}
)

func cmdInit(_ context.Context, cmd *cli.Command) error {
	m, err := newModel(cmd, "")
	if err != nil {
		return err
	}
	out := cmd.String(outFlag.Name)
	if err := scorer.SaveBundle(out, m.Params(), scorer.BundleOptions{Half: cmd.Bool(halfFlag.Name)}); err != nil {
		return err
	}
	printf("%s model (%s) with %s parameters written to %s\n",
		m.Name(), m.CellType(), humanize.Comma(int64(m.Params().NumElements())), out)
	return nil
}

func cmdInspect(_ context.Context, cmd *cli.Command) error {
	m, err := newModel(cmd, cmd.String(paramsFlag.Name))
	if err != nil {
		return err
	}
	ps := m.Params()

	var data [][]string
	for _, n := range ps.Names() {
		p, _ := ps.Get(n)
		frozen := ""
		if p.Frozen {
			frozen = "yes"
		}
		data = append(data, []string{
			n,
			fmt.Sprint(p.Value.Shape()),
			humanize.Comma(int64(p.Value.Shape().TotalSize())),
			frozen,
		})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"NAME", "SHAPE", "ELEMENTS", "FROZEN"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	n := ps.NumElements()
	printf("\n%s, %d outputs, %s parameters (%s as float32)\n",
		m.Name(), m.Outputs(), humanize.Comma(int64(n)), humanize.Bytes(uint64(n)*4))
	return nil
}

func cmdScore(_ context.Context, cmd *cli.Command) error {
	m, err := newModel(cmd, cmd.String(paramsFlag.Name))
	if err != nil {
		return err
	}
	tok, err := NewHashTokenizer(m.Config().VocabSize)
	if err != nil {
		return err
	}

	essays, err := readEssays(cmd.Args().Slice())
	if err != nil {
		return err
	}
	batchSize := m.Config().BatchSize
	for start := 0; start < len(essays); start += batchSize {
		end := min(start+batchSize, len(essays))
		texts := make([]string, 0, end-start)
		for _, e := range essays[start:end] {
			texts = append(texts, e.Text)
		}
		b, err := tok.Batch(texts)
		if err != nil {
			return err
		}
		scores, err := m.Predict(b)
		if err != nil {
			return err
		}
		for i, e := range essays[start:end] {
			row := scores.Row(i)
			cols := make([]string, len(row))
			for k, v := range row {
				cols[k] = fmt.Sprintf("%.4f", v)
			}
			printf("%s\t%s\n", e.Source, strings.Join(cols, "\t"))
		}
	}
	return nil
}

func cmdFit(_ context.Context, cmd *cli.Command) error {
	params := cmd.String(paramsFlag.Name)
	m, err := newModel(cmd, params)
	if err != nil {
		return err
	}
	for _, prefix := range cmd.StringSlice("freeze") {
		if m.Params().Freeze(prefix) == 0 {
			return errors.Errorf("--freeze %q matches no parameter", prefix)
		}
	}
	tok, err := NewHashTokenizer(m.Config().VocabSize)
	if err != nil {
		return err
	}
	examples, err := readExamples(cmd.String("data"), m.Outputs())
	if err != nil {
		return err
	}
	trainer, err := scorer.NewTrainer(m, cmd.Float("lr"))
	if err != nil {
		return err
	}

	batchSize := m.Config().BatchSize
	order := make([]int, len(examples))
	for i := range order {
		order[i] = i
	}
	epochs := cmd.Int("epochs")
	for epoch := 0; epoch < epochs; epoch++ {
		rand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		var total float64
		batches := 0
		for start := 0; start < len(order); start += batchSize {
			end := min(start+batchSize, len(order))
			texts := make([]string, 0, end-start)
			targets := make([][]float32, 0, end-start)
			for _, idx := range order[start:end] {
				texts = append(texts, examples[idx].Text)
				targets = append(targets, examples[idx].Scores)
			}
			b, err := tok.Batch(texts)
			if err != nil {
				return err
			}
			loss, err := trainer.Step(b, targets)
			if err != nil {
				return errors.Wrapf(err, "epoch %d", epoch)
			}
			total += float64(loss)
			batches++
		}
		klog.Infof("Epoch %d/%d: mean loss %.6f over %d batches", epoch+1, epochs, total/float64(batches), batches)
	}

	out := cmd.String("out")
	if out == "" {
		out = params
	}
	if err := scorer.SaveBundle(out, m.Params(), scorer.BundleOptions{Half: cmd.Bool(halfFlag.Name)}); err != nil {
		return err
	}
	printf("Trained %d steps on %d essays, parameters written to %s\n", trainer.Steps(), len(examples), out)
	return nil
}
