package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"essayscore/scorer"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
	"k8s.io/klog/v2"
)

var (
	name    = "essayscore"
	version = "v0.0.1-default"

	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "Path to a YAML model config (optional, built-in defaults otherwise)",
	}

	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Log verbosity, 0 is quiet, 2 logs every training step",
		Value: 0,
	}

	paramsFlag = &cli.StringFlag{
		Name:     "params",
		Usage:    "Path to a parameter bundle",
		Required: true,
	}
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		klog.Exitf("fatal error: %v", err)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    name,
		Version: version,
		Usage:   "Score essays with a recurrent regression model",
		Flags: []cli.Flag{
			configFlag,
			verbosityFlag,
		},
		Commands: []*cli.Command{
			initCmd,
			inspectCmd,
			scoreCmd,
			fitCmd,
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			return ctx, initLogging(cmd.Int(verbosityFlag.Name))
		},
	}
}

// initLogging routes the verbosity flag into klog without touching the
// process-wide flag set.
func initLogging(v int) error {
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)
	if err := fs.Set("v", strconv.Itoa(v)); err != nil {
		return errors.Wrap(err, "setting log verbosity")
	}
	return nil
}

// loadConfig reads --config, or returns the defaults when it is not given.
func loadConfig(cmd *cli.Command) (scorer.Config, error) {
	path := cmd.String(configFlag.Name)
	if path == "" {
		return scorer.DefaultConfig(), nil
	}
	cfg, err := scorer.LoadConfig(path)
	if err != nil {
		return scorer.Config{}, err
	}
	return *cfg, nil
}

// newModel builds a model from --config and, when path is set, loads its
// parameters from the bundle at path.
func newModel(cmd *cli.Command, path string) (*scorer.Model, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	m, err := scorer.New(cfg)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := scorer.LoadBundle(path, m.Params()); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func printf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stdout, format, args...)
}
