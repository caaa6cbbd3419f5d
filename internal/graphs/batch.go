package graphs

import (
	"iter"
	"math/rand/v2"
	"slices"
)

// Batch is the disjoint union of several graphs: nodes and edges are concatenated, and edge indices are offset
// by the position of each graph's first node.
//
// NodeGraph maps each node to the index of its originating graph, and it is non-decreasing.
type Batch struct {
	Graphs []*InteractionGraph

	// Nodes features concatenated, shaped [NumNodes][NodeFeatureDim].
	Nodes [][]float32

	// EdgeIndex of the union, already offset, shaped [2][NumEdges].
	EdgeIndex [2][]int32

	// Edges features concatenated, shaped [NumEdges][EdgeFeatureDim].
	Edges [][]float32

	// NodeGraph is the batch id of each node.
	NodeGraph []int32

	// NodeOffsets holds the index of the first node of each graph.
	NodeOffsets []int32

	// LastNode holds the index of the masternode (last node) of each graph.
	LastNode []int32

	// Labels holds the affinity of each graph.
	Labels []float32
}

// NewBatch creates the disjoint union of the given graphs, keeping their order.
func NewBatch(graphs []*InteractionGraph) *Batch {
	var numNodes, numEdges int
	for _, g := range graphs {
		numNodes += g.NumNodes()
		numEdges += g.NumEdges()
	}
	b := &Batch{
		Graphs:      graphs,
		Nodes:       make([][]float32, 0, numNodes),
		Edges:       make([][]float32, 0, numEdges),
		NodeGraph:   make([]int32, 0, numNodes),
		NodeOffsets: make([]int32, len(graphs)),
		LastNode:    make([]int32, len(graphs)),
		Labels:      make([]float32, len(graphs)),
	}
	b.EdgeIndex[0] = make([]int32, 0, numEdges)
	b.EdgeIndex[1] = make([]int32, 0, numEdges)
	var offset int32
	for graphIdx, g := range graphs {
		b.NodeOffsets[graphIdx] = offset
		b.LastNode[graphIdx] = offset + int32(g.MasterNode())
		b.Labels[graphIdx] = g.Affinity
		b.Nodes = append(b.Nodes, g.Nodes...)
		b.Edges = append(b.Edges, g.Edges...)
		for range g.NumNodes() {
			b.NodeGraph = append(b.NodeGraph, int32(graphIdx))
		}
		for side := range 2 {
			for _, nodeIdx := range g.EdgeIndex[side] {
				b.EdgeIndex[side] = append(b.EdgeIndex[side], nodeIdx+offset)
			}
		}
		offset += int32(g.NumNodes())
	}
	return b
}

// NumGraphs in the batch.
func (b *Batch) NumGraphs() int { return len(b.Graphs) }

// NumNodes in the batch, over all graphs.
func (b *Batch) NumNodes() int { return len(b.Nodes) }

// NumEdges in the batch, over all graphs.
func (b *Batch) NumEdges() int { return len(b.EdgeIndex[0]) }

// Loader iterates over a dataset in batches.
type Loader struct {
	ds        *Dataset
	batchSize int
	shuffle   bool
	rng       *rand.Rand
}

// NewLoader creates a loader of batches of up to batchSize graphs. If shuffle is true, the order of the graphs
// is re-shuffled at every call to Batches, using a random source seeded with seed.
func NewLoader(ds *Dataset, batchSize int, shuffle bool, seed uint64) *Loader {
	return &Loader{
		ds:        ds,
		batchSize: max(batchSize, 1),
		shuffle:   shuffle,
		rng:       rand.New(rand.NewPCG(seed, 0x9e3779b97f4a7c15)),
	}
}

// Dataset iterated by the loader.
func (l *Loader) Dataset() *Dataset { return l.ds }

// NumBatches per epoch.
func (l *Loader) NumBatches() int {
	return (l.ds.Len() + l.batchSize - 1) / l.batchSize
}

// Batches returns an iterator over one epoch of batches. The last batch may be smaller.
func (l *Loader) Batches() iter.Seq[*Batch] {
	order := make([]int, l.ds.Len())
	for ii := range order {
		order[ii] = ii
	}
	if l.shuffle {
		l.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	return func(yield func(*Batch) bool) {
		for chunk := range slices.Chunk(order, l.batchSize) {
			graphs := make([]*InteractionGraph, len(chunk))
			for ii, idx := range chunk {
				graphs[ii] = l.ds.Graph(idx)
			}
			if !yield(NewBatch(graphs)) {
				return
			}
		}
	}
}
