package gnn

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
)

const (
	// BatchNormMomentum is the weight of the current batch statistics when updating the moving averages.
	BatchNormMomentum = 0.1

	// BatchNormEpsilon is added to the variance before normalizing.
	BatchNormEpsilon = 1e-5
)

// BatchNorm normalizes x (shaped [rows, features]) per feature.
//
// While training it uses the statistics of the rows where mask is true (mask is shaped [rows], and can be nil, in
// which case all rows are used), and it updates the moving averages of mean and variance. At inference it uses
// the moving averages. A learned scale and offset are applied at the end.
func BatchNorm(ctx *context.Context, x, mask *Node) *Node {
	g := x.Graph()
	dtype := x.DType()
	numFeatures := x.Shape().Dim(-1)
	ones := make([]float32, numFeatures)
	for ii := range ones {
		ones[ii] = 1
	}
	scaleVar := ctx.VariableWithValue("scale", ones)
	offsetVar := ctx.VariableWithValue("offset", make([]float32, numFeatures))
	meanVar := ctx.VariableWithValue("moving_mean", make([]float32, numFeatures)).SetTrainable(false)
	varianceVar := ctx.VariableWithValue("moving_variance", ones).SetTrainable(false)

	var mean, variance *Node
	if ctx.IsTraining(g) {
		var weights *Node
		if mask == nil {
			weights = Ones(g, shapes.Make(dtype, x.Shape().Dim(0), 1))
		} else {
			weights = ExpandAxes(ConvertDType(mask, dtype), -1)
		}
		count := MaxScalar(ReduceAllSum(weights), 1)
		mean = Div(ReduceSum(Mul(x, weights), 0), count)
		centered := Sub(x, ExpandAxes(mean, 0))
		variance = Div(ReduceSum(Mul(Square(centered), weights), 0), count)

		movingMean := Add(MulScalar(meanVar.ValueGraph(g), 1-BatchNormMomentum), MulScalar(mean, BatchNormMomentum))
		meanVar.SetValueGraph(StopGradient(movingMean))
		movingVariance := Add(MulScalar(varianceVar.ValueGraph(g), 1-BatchNormMomentum),
			MulScalar(variance, BatchNormMomentum))
		varianceVar.SetValueGraph(StopGradient(movingVariance))
	} else {
		mean = meanVar.ValueGraph(g)
		variance = varianceVar.ValueGraph(g)
	}
	normalized := Div(Sub(x, ExpandAxes(mean, 0)), ExpandAxes(Sqrt(AddScalar(variance, BatchNormEpsilon)), 0))
	return Add(Mul(normalized, ExpandAxes(scaleVar.ValueGraph(g), 0)), ExpandAxes(offsetVar.ValueGraph(g), 0))
}
