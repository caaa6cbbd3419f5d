// Package spinning shows a spinning symbol with a message while a long task (loading or featurizing a dataset)
// runs, and handles the interruption of the program.
package spinning

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
	"k8s.io/klog/v2"
)

var (
	ThemeASCII = []rune(`|/-\`)
	ThemeMoon  = []rune("🌑🌒🌓🌔🌕🌖🌗🌘")

	// Theme used by New.
	Theme = ThemeASCII

	// Interval between symbols.
	Interval = 250 * time.Millisecond
)

var symbolStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)

// SafeInterrupt captures SIGINT (Ctrl+C) and SIGTERM and calls onInterrupt. If the program hasn't exited after
// gracePeriod, it resets the terminal and exits.
func SafeInterrupt(onInterrupt func(), gracePeriod time.Duration) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigChan
		fmt.Println()
		klog.Errorf("Got interrupted (signal %q), shutting down... (%s)", s, gracePeriod)
		if onInterrupt != nil {
			go onInterrupt()
		}
		time.Sleep(gracePeriod)
		Reset()
		klog.Fatalf("Graceful shutting down %s period expired, exiting.", gracePeriod)
	}()
}

// Reset terminal: make cursor visible, restore default terminal colors.
func Reset() {
	fmt.Print("\033[?25h\033[39;49;0m\n")
}

// Spinning displays a spinning symbol until Done is called.
type Spinning struct {
	wg     sync.WaitGroup
	cancel func()
}

// New starts a spinning display with message on out, in a separate goroutine. If out is not a terminal, only
// the message is written, once.
func New(ctx context.Context, out io.Writer, message string) *Spinning {
	s := &Spinning{}
	f, isFile := out.(*os.File)
	if !isFile || !term.IsTerminal(int(f.Fd())) {
		_, _ = fmt.Fprintln(out, message)
		return s
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(Interval)
		defer ticker.Stop()
		_, _ = fmt.Fprint(out, "\033[?25l")
		defer func() { _, _ = fmt.Fprintf(out, "\r\033[K\033[?25h") }()
		for idx := 0; ; idx = (idx + 1) % len(Theme) {
			_, _ = fmt.Fprintf(out, "\r%s %s", symbolStyle.Render(string(Theme[idx])), message)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return s
}

// Done stops the spinning display and waits for it to clear.
func (s *Spinning) Done() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()
}
