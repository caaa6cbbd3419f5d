// Package lrschedule implements the per-epoch learning rate schedules used in training: linear, multiplicative,
// reduce-on-plateau and constant.
//
// A Scheduler is stepped once at the end of every epoch, and it returns the learning rate for the next epoch.
package lrschedule

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// Scheduler of the learning rate.
type Scheduler interface {
	// LR returns the current learning rate.
	LR() float64

	// Step is called at the end of an epoch with its validation MSE. It returns the learning rate for the next epoch.
	Step(valMSE float64) float64

	// String describes the schedule, for the run log.
	String() string
}

// Constant keeps the learning rate unchanged.
type Constant struct {
	lr float64
}

// NewConstant returns a Scheduler that never changes the learning rate.
func NewConstant(lr float64) *Constant { return &Constant{lr: lr} }

// LR implements Scheduler.
func (c *Constant) LR() float64 { return c.lr }

// Step implements Scheduler.
func (c *Constant) Step(float64) float64 { return c.lr }

// String implements Scheduler.
func (c *Constant) String() string { return "No learning rate scheduler has been selected" }

// Linear changes the learning rate by a factor that moves linearly from StartFactor to EndFactor over TotalIters
// epochs, and then stays at EndFactor.
type Linear struct {
	StartFactor, EndFactor float64
	TotalIters             int

	baseLR float64
	iter   int
}

// NewLinear returns a linear schedule over the base learning rate baseLR.
func NewLinear(baseLR, startFactor, endFactor float64, totalIters int) (*Linear, error) {
	if startFactor <= 0 || startFactor > 1 || endFactor < 0 || endFactor > 1 {
		return nil, errors.Errorf("linear schedule factors must be in (0, 1] and [0, 1], got start=%g, end=%g",
			startFactor, endFactor)
	}
	if totalIters <= 0 {
		return nil, errors.Errorf("linear schedule total iterations must be > 0, got %d", totalIters)
	}
	return &Linear{StartFactor: startFactor, EndFactor: endFactor, TotalIters: totalIters, baseLR: baseLR}, nil
}

// LR implements Scheduler.
func (l *Linear) LR() float64 {
	progress := float64(min(l.iter, l.TotalIters)) / float64(l.TotalIters)
	return l.baseLR * (l.StartFactor + (l.EndFactor-l.StartFactor)*progress)
}

// Step implements Scheduler.
func (l *Linear) Step(float64) float64 {
	l.iter++
	return l.LR()
}

// String implements Scheduler.
func (l *Linear) String() string {
	return fmt.Sprintf("Linear LR Scheduler enabled with start factor %g, end factor %g and total iters %d",
		l.StartFactor, l.EndFactor, l.TotalIters)
}

// Multiplicative multiplies the learning rate by Factor at every epoch.
type Multiplicative struct {
	Factor float64

	lr float64
}

// NewMultiplicative returns a multiplicative schedule starting at lr.
func NewMultiplicative(lr, factor float64) (*Multiplicative, error) {
	if factor <= 0 || factor > 1 {
		return nil, errors.Errorf("multiplicative schedule factor must be in (0, 1], got %g", factor)
	}
	return &Multiplicative{Factor: factor, lr: lr}, nil
}

// LR implements Scheduler.
func (m *Multiplicative) LR() float64 { return m.lr }

// Step implements Scheduler.
func (m *Multiplicative) Step(float64) float64 {
	m.lr *= m.Factor
	return m.lr
}

// String implements Scheduler.
func (m *Multiplicative) String() string {
	return fmt.Sprintf("Multiplicative LR Scheduler enabled with factor %g", m.Factor)
}

// PlateauThreshold is the relative improvement of the validation MSE needed to count as progress.
const PlateauThreshold = 1e-4

// minLRChange is the smallest change of the learning rate that is applied.
const minLRChange = 1e-8

// Plateau multiplies the learning rate by Factor when the validation MSE doesn't improve for more than Patience
// epochs. The learning rate never goes below MinLR.
type Plateau struct {
	Factor   float64
	Patience int
	MinLR    float64

	// NumReduced is the number of times the learning rate was reduced.
	NumReduced int

	lr        float64
	best      float64
	badEpochs int
}

// NewPlateau returns a reduce-on-plateau schedule starting at lr.
func NewPlateau(lr, factor float64, patience int, minLR float64) (*Plateau, error) {
	if factor <= 0 || factor >= 1 {
		return nil, errors.Errorf("plateau schedule factor must be in (0, 1), got %g", factor)
	}
	if patience < 0 {
		return nil, errors.Errorf("plateau schedule patience must be >= 0, got %d", patience)
	}
	if minLR < 0 {
		return nil, errors.Errorf("plateau schedule minimum learning rate must be >= 0, got %g", minLR)
	}
	return &Plateau{Factor: factor, Patience: patience, MinLR: minLR, lr: lr, best: math.Inf(1)}, nil
}

// LR implements Scheduler.
func (p *Plateau) LR() float64 { return p.lr }

// Step implements Scheduler.
func (p *Plateau) Step(valMSE float64) float64 {
	if valMSE < p.best*(1-PlateauThreshold) {
		p.best = valMSE
		p.badEpochs = 0
	} else {
		p.badEpochs++
	}
	if p.badEpochs > p.Patience {
		newLR := max(p.lr*p.Factor, p.MinLR)
		if p.lr-newLR > minLRChange {
			p.lr = newLR
			p.NumReduced++
		}
		p.badEpochs = 0
	}
	return p.lr
}

// String implements Scheduler.
func (p *Plateau) String() string {
	return fmt.Sprintf("ReduceLRonPlateau LR Scheduler enabled with patience %d, factor %g and min LR %g",
		p.Patience, p.Factor, p.MinLR)
}
