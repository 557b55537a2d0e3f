// hllcount estimates the number of distinct lines in its inputs.
//
// Every input file is counted by its own estimator, concurrently, and the estimators are merged
// at the end. Estimator state can be saved and merged into later runs, so counts can be built up
// across machines or days:
//
//	hllcount -p 14 -state.save monday.hll logs/monday/*.log
//	hllcount -p 14 -state.load monday.hll,tuesday.hll
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type config struct {
	p                    uint
	sp                   uint
	hash                 string
	concurrency          int
	inputs               flagext.StringSliceCSV
	stateLoad            flagext.StringSliceCSV
	stateSave            string
	poolMaxChunks        int
	linearMaxCardinality uint64
	configFile           string
	logLevel             string
}

func (c *config) registerFlags(f *flag.FlagSet) {
	f.UintVar(&c.p, "p", 14, "Precision of the dense registers, in [4,31]. The standard error is 1.04/sqrt(2^p)")
	f.UintVar(&c.sp, "sp", 25, "Precision of the sparse representation, 0 or in [p,25]. 0 disables it")
	f.StringVar(&c.hash, "hash", "xxhash", "Hash function applied to every line: xxhash, murmur3 or metro")
	f.IntVar(&c.concurrency, "concurrency", 4, "How many inputs are read at once")
	f.Var(&c.inputs, "inputs", "Comma separated list of files to count. Positional arguments are inputs too, and - reads stdin. Defaults to stdin")
	f.Var(&c.stateLoad, "state.load", "Comma separated list of saved estimators to merge into the result")
	f.StringVar(&c.stateSave, "state.save", "", "If set, the merged estimator is written to this file")
	f.IntVar(&c.poolMaxChunks, "pool.max-chunks", 0, "If positive, each worker rents the sparse buffers of its estimator from a pool of this many chunks")
	f.Uint64Var(&c.linearMaxCardinality, "linear.max-cardinality", 0, "If positive, also count with a Linear Counter sized for this many distinct lines at 1% error")
	f.StringVar(&c.configFile, "config.file", "", "Optional YAML file with the same keys as the flags. Flags given on the command line take precedence")
	f.StringVar(&c.logLevel, "log.level", "info", "Only log messages with the given severity or above: debug, info, warn, error")
}

func (c *config) validate() error {
	if c.p < 4 || c.p > 31 {
		return fmt.Errorf("p must be in [4,31]")
	}
	if c.sp != 0 && (c.sp < c.p || c.sp > 25) {
		return fmt.Errorf("sp must be 0 or in [p,25]")
	}
	if _, ok := hashers[c.hash]; !ok {
		return fmt.Errorf("unknown hash %q", c.hash)
	}
	if c.concurrency < 1 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.poolMaxChunks < 0 {
		return fmt.Errorf("pool.max-chunks must not be negative")
	}
	if _, err := level.Parse(c.logLevel); err != nil {
		return fmt.Errorf("invalid log.level %q", c.logLevel)
	}
	return nil
}

// fileConfig is the YAML form of config.
type fileConfig struct {
	P                    *uint    `yaml:"p"`
	SP                   *uint    `yaml:"sp"`
	Hash                 *string  `yaml:"hash"`
	Concurrency          *int     `yaml:"concurrency"`
	Inputs               []string `yaml:"inputs"`
	StateLoad            []string `yaml:"state.load"`
	StateSave            *string  `yaml:"state.save"`
	PoolMaxChunks        *int     `yaml:"pool.max-chunks"`
	LinearMaxCardinality *uint64  `yaml:"linear.max-cardinality"`
	LogLevel             *string  `yaml:"log.level"`
}

// loadFile applies the settings of the YAML file at path to every option that was not set on
// the command line.
func (c *config) loadFile(path string, f *flag.FlagSet) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "failed to read config file")
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return errors.Wrapf(err, "failed to parse config file %s", path)
	}

	set := map[string]bool{}
	f.Visit(func(fl *flag.Flag) { set[fl.Name] = true })

	apply := func(name string, fn func()) {
		if !set[name] {
			fn()
		}
	}
	if fc.P != nil {
		apply("p", func() { c.p = *fc.P })
	}
	if fc.SP != nil {
		apply("sp", func() { c.sp = *fc.SP })
	}
	if fc.Hash != nil {
		apply("hash", func() { c.hash = *fc.Hash })
	}
	if fc.Concurrency != nil {
		apply("concurrency", func() { c.concurrency = *fc.Concurrency })
	}
	if fc.Inputs != nil {
		apply("inputs", func() { c.inputs = fc.Inputs })
	}
	if fc.StateLoad != nil {
		apply("state.load", func() { c.stateLoad = fc.StateLoad })
	}
	if fc.StateSave != nil {
		apply("state.save", func() { c.stateSave = *fc.StateSave })
	}
	if fc.PoolMaxChunks != nil {
		apply("pool.max-chunks", func() { c.poolMaxChunks = *fc.PoolMaxChunks })
	}
	if fc.LinearMaxCardinality != nil {
		apply("linear.max-cardinality", func() { c.linearMaxCardinality = *fc.LinearMaxCardinality })
	}
	if fc.LogLevel != nil {
		apply("log.level", func() { c.logLevel = *fc.LogLevel })
	}
	return nil
}

// parseConfig parses args into a config. Positional arguments are appended to the inputs.
func parseConfig(f *flag.FlagSet, args []string) (config, error) {
	cfg := config{}
	cfg.registerFlags(f)
	if err := f.Parse(args); err != nil {
		return cfg, err
	}
	if cfg.configFile != "" {
		if err := cfg.loadFile(cfg.configFile, f); err != nil {
			return cfg, err
		}
	}
	cfg.inputs = append(cfg.inputs, f.Args()...)
	if len(cfg.inputs) == 0 && len(cfg.stateLoad) == 0 {
		cfg.inputs = flagext.StringSliceCSV{"-"}
	}
	return cfg, cfg.validate()
}

func main() {
	// Clean up all flags registered via init() methods of 3rd-party libraries.
	flag.CommandLine = flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	cfg, err := parseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := log.NewLogfmtLogger(os.Stderr)
	logger = level.NewFilter(logger, level.Allow(level.ParseDefault(cfg.logLevel, level.InfoValue())))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, os.Stdin, os.Stdout, logger); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
