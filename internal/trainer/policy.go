package trainer

import (
	"math"

	"github.com/janpfeifer/gateaffinity/internal/generics"
)

// CheckpointPolicy decides at which epochs the model is saved and re-evaluated.
//
// The model is saved whenever the validation MSE improves, and also periodically, every 1/20th of the total number
// of epochs.
type CheckpointPolicy struct {
	NumEpochs int
}

// IsPeriodic returns whether epoch is one of the periodic checkpoints: epoch is a multiple of NumEpochs/20
// (not rounded), so there are 20 of them in total. With fewer than 20 epochs every epoch is periodic.
func (p CheckpointPolicy) IsPeriodic(epoch int) bool {
	if p.NumEpochs < 20 {
		return true
	}
	return (epoch*20)%p.NumEpochs == 0
}

// ShouldSave returns whether the model should be saved at the end of epoch.
func (p CheckpointPolicy) ShouldSave(epoch int, improved bool) bool {
	return improved || p.IsPeriodic(epoch)
}

// ShouldReevaluate returns whether the saved model of epoch should be re-evaluated and plotted.
func (p CheckpointPolicy) ShouldReevaluate(epoch int) bool {
	return epoch == 1 || p.IsPeriodic(epoch)
}

// BestTracker keeps the most recent epoch that reached the lowest validation MSE so far, and which of those
// epochs have already been plotted.
type BestTracker struct {
	BestMSE   float64
	BestEpoch int

	plotted generics.Set[int]
}

// NewBestTracker returns a tracker with no best epoch yet.
func NewBestTracker() *BestTracker {
	return &BestTracker{BestMSE: math.Inf(1), BestEpoch: -1, plotted: generics.MakeSet[int]()}
}

// Observe the validation MSE of epoch. It returns true if it is not worse than the best so far, in which case
// epoch becomes the best epoch.
func (b *BestTracker) Observe(epoch int, valMSE float64) (improved bool) {
	if valMSE <= b.BestMSE {
		b.BestMSE = valMSE
		b.BestEpoch = epoch
		return true
	}
	return false
}

// NeedsPlot returns whether the best epoch hasn't been plotted yet.
func (b *BestTracker) NeedsPlot() bool {
	return b.BestEpoch >= 0 && !b.plotted.Has(b.BestEpoch)
}

// MarkPlotted records that the best epoch was plotted.
func (b *BestTracker) MarkPlotted() {
	b.plotted.Insert(b.BestEpoch)
}
