// Package dispatcher fans host events out to every registered engine.
package dispatcher

import (
	"fmt"

	"github.com/ALEYI17/InfraSight_sanalyzer/pkg/logutil"
	"github.com/ALEYI17/InfraSight_sanalyzer/pkg/types"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Dispatcher delivers each call to its tools in registration order. A failing
// tool never keeps the call from reaching the tools after it.
type Dispatcher struct {
	tools []types.Tool
}

func New(tools ...types.Tool) *Dispatcher {
	d := &Dispatcher{}
	for _, t := range tools {
		if t != nil {
			d.tools = append(d.tools, t)
		}
	}
	return d
}

func (d *Dispatcher) Len() int {
	return len(d.tools)
}

func (d *Dispatcher) Tools() []types.Tool {
	return d.tools
}

func (d *Dispatcher) each(op string, fn func(types.Tool) error) error {
	var errs error
	for _, t := range d.tools {
		if err := fn(t); err != nil {
			logutil.GetLogger().Warn("Tool failed",
				zap.String("tool", t.Name()),
				zap.String("op", op),
				zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", t.Name(), err))
		}
	}
	return errs
}

// Submit hands ev to every tool.
func (d *Dispatcher) Submit(ev types.Event) error {
	return d.each(ev.Kind().String(), func(t types.Tool) error {
		return t.Handle(ev)
	})
}

func (d *Dispatcher) Analyze(buf []byte, count uint64) error {
	return d.each("analyze", func(t types.Tool) error {
		return t.Analyze(buf, count)
	})
}

// QueryRanges asks every tool for its active ranges. Tools without ranges
// report zero; the count of the last tool that reported any is returned.
func (d *Dispatcher) QueryRanges(out []types.Range) (int, error) {
	var count int
	err := d.each("query_ranges", func(t types.Tool) error {
		n, err := t.QueryRanges(out)
		if n > 0 {
			count = n
		}
		return err
	})
	return count, err
}

// Flush flushes every tool, even after one fails.
func (d *Dispatcher) Flush() error {
	return d.each("flush", func(t types.Tool) error {
		return t.Flush()
	})
}
