// Package profilers sets up the optional profiling of the gate commands: an HTTP pprof server (--prof) and a
// CPU profile file (--cpu_profile).
package profilers

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"runtime"
	"runtime/pprof"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"k8s.io/klog/v2"
)

// Profiler holds the profiling flags and the state of the started profilers.
type Profiler struct {
	Port       int
	CPUProfile string

	addr    string
	cpuFile *os.File
	ctx     context.Context
}

// RegisterFlags creates a Profiler configured by the flags --prof and --cpu_profile of flags.
func RegisterFlags(flags *pflag.FlagSet) *Profiler {
	p := &Profiler{}
	flags.IntVar(&p.Port, "prof", -1, "If set, serves the pprof profiler at the given port.")
	flags.StringVar(&p.CPUProfile, "cpu_profile", "", "Write CPU profile to `file`.")
	return p
}

// Setup starts the configured profilers. It should be followed by a deferred call to OnQuit.
// The HTTP profiler keeps the program alive at exit until ctx is done.
func (p *Profiler) Setup(ctx context.Context) error {
	p.ctx = ctx
	if p.Port >= 0 {
		p.addr = fmt.Sprintf("localhost:%d", p.Port)
		klog.Infof("Starting profiler on %s/debug/pprof", p.addr)
		klog.Infof("- Access it with: $ go tool pprof %s/debug/pprof/heap", p.addr)
		go func() {
			klog.Fatal(http.ListenAndServe(p.addr, nil))
		}()
	}
	if p.CPUProfile != "" {
		f, err := os.Create(p.CPUProfile)
		if err != nil {
			return errors.Wrapf(err, "could not create CPU profile")
		}
		if err = pprof.StartCPUProfile(f); err != nil {
			_ = f.Close()
			return errors.Wrapf(err, "could not start CPU profile")
		}
		p.cpuFile = f
	}
	return nil
}

// OnQuit stops the CPU profile, and if the HTTP profiler is running, waits for an interrupt before returning.
func (p *Profiler) OnQuit() {
	if p.cpuFile != nil {
		pprof.StopCPUProfile()
		if err := p.cpuFile.Close(); err != nil {
			klog.Errorf("Failed to close CPU profile: %v", err)
		}
		p.cpuFile = nil
	}
	if p.addr == "" || p.ctx == nil || p.ctx.Err() != nil {
		return
	}
	// Garbage collect, to see if there is anything leaking.
	for range 10 {
		runtime.GC()
	}
	klog.Infof("Finished: kept alive with profiler opened at %s/debug/pprof, interrupt (Ctrl+C) to exit", p.addr)
	<-p.ctx.Done()
}
