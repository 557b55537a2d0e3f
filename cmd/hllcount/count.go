package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/cespare/xxhash/v2"
	metro "github.com/dgryski/go-metro"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/concurrency"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spaolacci/murmur3"

	"github.com/lytics/hll/v2"
	"github.com/lytics/hll/v2/chunked"
	"github.com/lytics/hll/v2/linear"
)

var hashers = map[string]func([]byte) uint64{
	"xxhash": xxhash.Sum64,
	"murmur3": func(b []byte) uint64 {
		h1, _ := murmur3.Sum128(b)
		return h1
	},
	"metro": func(b []byte) uint64 {
		return metro.Hash64(b, 0)
	},
}

const maxLineLength = 1024 * 1024

type inputCount struct {
	estimator *hll.Hll
	counter   *linear.Counter
	lines     int
}

func run(ctx context.Context, cfg config, stdin io.Reader, stdout io.Writer, logger log.Logger) error {
	reg := prometheus.NewRegistry()

	counts := make([]inputCount, len(cfg.inputs))
	err := concurrency.ForEachJob(ctx, len(cfg.inputs), cfg.concurrency, func(ctx context.Context, idx int) error {
		input := cfg.inputs[idx]
		logger := log.With(logger, "input", input)

		var opts []hll.Option
		if cfg.poolMaxChunks > 0 {
			// Pools are not safe for concurrent use, so every worker gets its own.
			pool, err := chunked.NewPool(cfg.poolMaxChunks, prometheus.WrapRegistererWith(prometheus.Labels{"input": strconv.Itoa(idx)}, reg))
			if err != nil {
				return err
			}
			opts = append(opts, hll.WithPool(pool))
		}

		c, err := countInput(ctx, cfg, input, stdin, opts)
		if err != nil {
			level.Error(logger).Log("msg", "failed to count input", "err", err)
			return err
		}
		level.Debug(logger).Log("msg", "input counted", "lines", c.lines, "estimate", c.estimator.Cardinality(), "sparse", c.estimator.IsSparse())
		counts[idx] = c
		return nil
	})
	if err != nil {
		return err
	}

	estimators := make([]*hll.Hll, 0, len(counts)+len(cfg.stateLoad))
	counters := make([]*linear.Counter, 0, len(counts))
	for _, c := range counts {
		estimators = append(estimators, c.estimator)
		if c.counter != nil {
			counters = append(counters, c.counter)
		}
	}
	for _, path := range cfg.stateLoad {
		h, err := loadState(path, cfg)
		if err != nil {
			return err
		}
		level.Info(logger).Log("msg", "loaded state", "path", path, "estimate", h.Cardinality())
		estimators = append(estimators, h)
	}
	if len(estimators) == 0 {
		return errors.New("nothing to count")
	}

	merged, err := estimators[0].Merge(estimators[1:]...)
	if err != nil {
		return errors.Wrap(err, "failed to merge estimators")
	}
	if err := report(stdout, merged, counters); err != nil {
		return err
	}

	if cfg.poolMaxChunks > 0 {
		if fallbacks := gatherSum(reg, "hll_chunk_pool_fallbacks_total"); fallbacks > 0 {
			level.Warn(logger).Log("msg", "chunk pools were too small, chunks were allocated outside of them", "fallbacks", fallbacks)
		}
	}

	if cfg.stateSave != "" {
		if err := saveState(cfg.stateSave, merged); err != nil {
			return err
		}
		level.Info(logger).Log("msg", "saved state", "path", cfg.stateSave)
	}
	return nil
}

func countInput(ctx context.Context, cfg config, input string, stdin io.Reader, opts []hll.Option) (inputCount, error) {
	var r io.Reader = stdin
	if input != "-" {
		f, err := os.Open(input)
		if err != nil {
			return inputCount{}, errors.Wrap(err, "failed to open input")
		}
		defer f.Close()
		r = f
	}

	h, err := hll.New(cfg.p, cfg.sp, opts...)
	if err != nil {
		return inputCount{}, err
	}
	c := inputCount{estimator: h}
	if cfg.linearMaxCardinality > 0 {
		if c.counter, err = linear.NewWithOnePercentError(cfg.linearMaxCardinality); err != nil {
			return inputCount{}, err
		}
	}

	hash := hashers[cfg.hash]
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineLength)
	for scanner.Scan() {
		x := hash(scanner.Bytes())
		h.Offer(x)
		if c.counter != nil {
			c.counter.Offer(uint32(x))
		}

		c.lines++
		if c.lines%4096 == 0 && ctx.Err() != nil {
			return inputCount{}, ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return inputCount{}, errors.Wrap(err, "failed to read input")
	}
	return c, nil
}

func report(w io.Writer, h *hll.Hll, counters []*linear.Counter) error {
	size, err := h.BinarySize()
	if err != nil {
		return err
	}
	representation := "dense"
	if h.IsSparse() {
		representation = "sparse"
	}

	fmt.Fprintf(w, "distinct: %s\n", humanize.Comma(int64(h.Cardinality())))
	fmt.Fprintf(w, "representation: %s (p=%d, sp=%d)\n", representation, h.P(), h.SP())
	fmt.Fprintf(w, "serialized size: %s\n", humanize.Bytes(uint64(size)))

	if len(counters) == 0 {
		return nil
	}
	lc, err := linear.MergeAll(counters...)
	if err != nil {
		return errors.Wrap(err, "failed to merge linear counters")
	}
	if card := lc.Cardinality(); card == math.MaxUint64 {
		fmt.Fprintf(w, "linear: saturated, raise -linear.max-cardinality\n")
	} else {
		fmt.Fprintf(w, "linear: %s (%s bitmap)\n", humanize.Comma(int64(card)), humanize.Bytes(uint64(lc.SizeInBytes())))
	}
	return nil
}

func loadState(path string, cfg config) (*hll.Hll, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open state")
	}
	defer f.Close()

	h := &hll.Hll{}
	if _, err := h.ReadFrom(bufio.NewReader(f)); err != nil {
		return nil, errors.Wrapf(err, "failed to read state %s", path)
	}
	if h.P() != cfg.p || h.SP() != cfg.sp {
		return nil, errors.Wrapf(hll.ErrParameterMismatch, "state %s has p=%d sp=%d, want p=%d sp=%d", path, h.P(), h.SP(), cfg.p, cfg.sp)
	}
	return h, nil
}

func saveState(path string, h *hll.Hll) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create state file")
	}
	w := bufio.NewWriter(f)
	if _, err := h.WriteTo(w); err != nil {
		f.Close()
		return errors.Wrap(err, "failed to write state")
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Wrap(err, "failed to write state")
	}
	return f.Close()
}

// Sums the values of every series of the named counter.
func gatherSum(g prometheus.Gatherer, name string) float64 {
	mfs, err := g.Gather()
	if err != nil {
		return 0
	}
	var sum float64
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			sum += m.GetCounter().GetValue()
		}
	}
	return sum
}
