// Package report prints the progress of a training run to the terminal: the run header, a progress bar over the
// batches of each pass and one line per epoch, highlighting the epochs that improved the validation MSE.
//
// Colors and progress bars are only used if the output is a terminal.
package report

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// Reporter prints the progress of a training run.
type Reporter struct {
	out         io.Writer
	interactive bool
	bar         *progressbar.ProgressBar

	headerStyle, improvedStyle lipgloss.Style
}

// New creates a Reporter writing to out. It is interactive (colors and progress bars) if out is a terminal.
func New(out *os.File) *Reporter {
	r := NewPlain(out)
	r.interactive = term.IsTerminal(int(out.Fd()))
	if r.interactive {
		r.headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
		r.improvedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	}
	return r
}

// NewPlain creates a Reporter writing to out without colors or progress bars.
func NewPlain(out io.Writer) *Reporter {
	return &Reporter{
		out:           out,
		headerStyle:   lipgloss.NewStyle(),
		improvedStyle: lipgloss.NewStyle(),
	}
}

// Header prints the header of the run.
func (r *Reporter) Header(lines []string) {
	for _, line := range lines {
		_, _ = fmt.Fprintln(r.out, r.headerStyle.Render(line))
	}
}

// StartPass starts the progress bar of a pass over numBatches batches.
func (r *Reporter) StartPass(description string, numBatches int) {
	if !r.interactive {
		return
	}
	r.bar = progressbar.NewOptions(numBatches,
		progressbar.OptionSetWriter(r.out),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish())
}

// BatchDone advances the progress bar.
func (r *Reporter) BatchDone() {
	if r.bar != nil {
		_ = r.bar.Add(1)
	}
}

// EndPass finishes the progress bar.
func (r *Reporter) EndPass() {
	if r.bar != nil {
		_ = r.bar.Finish()
		r.bar = nil
	}
}

// EpochLine prints the line of an epoch, highlighted if the validation MSE improved.
func (r *Reporter) EpochLine(line string, improved bool) {
	if improved {
		line = r.improvedStyle.Render(line)
	}
	_, _ = fmt.Fprintln(r.out, line)
}
