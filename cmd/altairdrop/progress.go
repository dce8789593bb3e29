package main

import (
	"fmt"

	"github.com/pterm/pterm"

	"github.com/saintparish4/altairdrop/pkg/transfer"
)

// reporter renders transfer progress. Known sizes get a pterm progress
// bar; unknown sizes (direct receive) get a spinner with a byte count.
type reporter struct {
	bar     *pterm.ProgressbarPrinter
	spinner *pterm.SpinnerPrinter
	text    *transfer.ProgressBar
	last    int64
}

func newReporter() *reporter {
	return &reporter{text: transfer.NewProgressBar(30)}
}

func (r *reporter) update(p transfer.Progress) {
	if r.bar == nil && r.spinner == nil {
		r.start(p)
	}

	if r.bar != nil {
		if p.BytesDone > r.last {
			r.bar.Add(int(p.BytesDone - r.last))
		}
		r.last = p.BytesDone
		return
	}
	if r.spinner != nil {
		r.spinner.UpdateText(fmt.Sprintf("%s %s", p.FileName, r.text.Render(p)))
	}
}

func (r *reporter) start(p transfer.Progress) {
	if p.FileSize > 0 {
		bar, err := pterm.DefaultProgressbar.
			WithTotal(int(p.FileSize)).
			WithTitle(p.FileName).
			WithShowCount(false).
			Start()
		if err == nil {
			r.bar = bar
			return
		}
	}
	spinner, err := pterm.DefaultSpinner.Start(p.FileName)
	if err == nil {
		r.spinner = spinner
	}
}

// stop tears down whatever is being rendered. ok selects the spinner's
// final state.
func (r *reporter) stop(ok bool) {
	if r.bar != nil {
		r.bar.Stop()
		r.bar = nil
	}
	if r.spinner != nil {
		if ok {
			r.spinner.Success()
		} else {
			r.spinner.Fail()
		}
		r.spinner = nil
	}
}
