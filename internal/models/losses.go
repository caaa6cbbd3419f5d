package models

import (
	"fmt"
	"strings"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/train/losses"
	"github.com/pkg/errors"
)

// Loss function used for training.
type Loss int

const (
	// LossMSE is the mean squared error over the graphs of the batch.
	LossMSE Loss = iota

	// LossWeightedMSE is the sum over the graphs of the batch of (p-t)²·(t+1): it weights strong binders more.
	LossWeightedMSE

	// LossL1 is the mean absolute error.
	LossL1

	// LossHuber is the Huber loss, with delta given by the "huber_delta" hyperparameter.
	LossHuber
	numLosses
)

// ErrUnknownLoss is returned when parsing a loss name that is not supported.
var ErrUnknownLoss = errors.New("unknown loss function")

var lossNames = [numLosses]string{"MSE", "wMSE", "L1", "Huber"}

// String implements fmt.Stringer.
func (l Loss) String() string {
	if l < 0 || l >= numLosses {
		return fmt.Sprintf("Loss(%d)", int(l))
	}
	return lossNames[l]
}

// ParseLoss converts a loss name (case-insensitive) to a Loss.
func ParseLoss(name string) (Loss, error) {
	for ii, lossName := range lossNames {
		if strings.EqualFold(name, lossName) {
			return Loss(ii), nil
		}
	}
	return LossMSE, errors.Wrapf(ErrUnknownLoss, "%q (valid values: %s)", name, strings.Join(lossNames[:], ", "))
}

// LossGraph returns the scalar loss of the predictions, configured by the "loss_func" hyperparameter.
// predictions and labels are shaped [numGraphs, 1], and mask (Bool, [numGraphs, 1]) excludes padding graphs.
func LossGraph(ctx *context.Context, predictions, labels, mask *Node) *Node {
	loss, err := ParseLoss(context.GetParamOr(ctx, ParamLoss, LossMSE.String()))
	if err != nil {
		panic(err)
	}
	switch loss {
	case LossWeightedMSE:
		diff := Sub(predictions, labels)
		weighted := Mul(Square(diff), AddScalar(labels, 1))
		return ReduceAllSum(Where(mask, weighted, ZerosLike(weighted)))
	case LossL1:
		return losses.MeanAbsoluteError([]*Node{labels, mask}, []*Node{predictions})
	case LossHuber:
		delta := context.GetParamOr(ctx, ParamHuberDelta, 1.0)
		return losses.MakeHuberLoss(delta)([]*Node{labels, mask}, []*Node{predictions})
	default:
		return losses.MeanSquaredError([]*Node{labels, mask}, []*Node{predictions})
	}
}
