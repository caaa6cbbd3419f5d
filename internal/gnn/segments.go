package gnn

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// gatherRows returns data[indices], for data shaped [N, ...] and indices shaped [M] (Int32).
// The result is shaped [M, ...].
func gatherRows(data, indices *Node) *Node {
	return Gather(data, ExpandAxes(indices, -1))
}

// SegmentSum sums the rows of data (shaped [M, ...]) into numSegments rows, according to segmentIDs (shaped [M]).
// Segments that receive no rows are zero.
func SegmentSum(data, segmentIDs *Node, numSegments int) *Node {
	g := data.Graph()
	dims := data.Shape().Dimensions
	outShape := shapes.Make(data.DType(), append([]int{numSegments}, dims[1:]...)...)
	return ScatterSum(Zeros(g, outShape), ExpandAxes(segmentIDs, -1), data, false, false)
}

// SegmentCount returns the number of entries in each segment, shaped [numSegments] and with the given dtype.
func SegmentCount(segmentIDs *Node, numSegments int, dtype dtypes.DType) *Node {
	g := segmentIDs.Graph()
	ones := Ones(g, shapes.Make(dtype, segmentIDs.Shape().Dim(0)))
	return SegmentSum(ones, segmentIDs, numSegments)
}

// SegmentMean averages the rows of data (shaped [M, ...]) into numSegments rows, according to segmentIDs.
// Empty segments are zero.
func SegmentMean(data, segmentIDs *Node, numSegments int) *Node {
	sum := SegmentSum(data, segmentIDs, numSegments)
	count := MaxScalar(SegmentCount(segmentIDs, numSegments, data.DType()), 1)
	countDims := make([]int, data.Rank())
	for ii := range countDims {
		countDims[ii] = 1
	}
	countDims[0] = numSegments
	return Div(sum, Reshape(count, countDims...))
}

// SegmentSoftmax computes a softmax of logits (shaped [M, heads]) over the entries of each segment, independently
// for each head.
//
// The maximum per head over all entries is subtracted for numeric stability: the result per segment is the same,
// since softmax is invariant to shifts.
func SegmentSoftmax(logits, segmentIDs *Node, numSegments int) *Node {
	maxPerHead := StopGradient(ExpandAxes(ReduceMax(logits, 0), 0))
	exps := Exp(Sub(logits, maxPerHead))
	sums := gatherRows(SegmentSum(exps, segmentIDs, numSegments), segmentIDs)
	return Div(exps, MaxScalar(sums, 1e-30))
}
