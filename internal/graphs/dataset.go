package graphs

import (
	"encoding/gob"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/janpfeifer/gateaffinity/internal/generics"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// ShardExt is the file extension of the dataset shards: gob encoded []InteractionGraph.
const ShardExt = ".gob"

// Dataset is an ordered, read-only collection of interaction graphs.
type Dataset struct {
	graphs []*InteractionGraph
}

// NewDataset wraps the given graphs. The slice is not copied, and must not be changed afterwards.
func NewDataset(graphs []*InteractionGraph) *Dataset {
	return &Dataset{graphs: graphs}
}

// Len returns the number of graphs in the dataset.
func (ds *Dataset) Len() int { return len(ds.graphs) }

// Graph returns the i-th graph.
func (ds *Dataset) Graph(i int) *InteractionGraph { return ds.graphs[i] }

// Labels returns the affinity of every graph, in dataset order.
func (ds *Dataset) Labels() []float32 {
	return generics.SliceMap(ds.graphs, func(g *InteractionGraph) float32 { return g.Affinity })
}

// Subset returns a new dataset with the graphs at the given indices, in the given order.
func (ds *Dataset) Subset(indices []int) *Dataset {
	return &Dataset{graphs: generics.SliceMap(indices, func(i int) *InteractionGraph { return ds.graphs[i] })}
}

// FeatureDims returns the node and edge feature widths, taken from the first graph.
func (ds *Dataset) FeatureDims() (nodeDim, edgeDim int) {
	if ds.Len() == 0 {
		return 0, 0
	}
	return ds.graphs[0].NodeFeatureDim(), ds.graphs[0].EdgeFeatureDim()
}

// Validate every graph, and checks that the feature widths are the same across the dataset.
func (ds *Dataset) Validate() error {
	nodeDim, edgeDim := ds.FeatureDims()
	for _, g := range ds.graphs {
		if err := g.Validate(); err != nil {
			return err
		}
		if g.NodeFeatureDim() != nodeDim {
			return errors.Errorf("graph %q has node features of width %d, dataset uses %d", g.ID, g.NodeFeatureDim(), nodeDim)
		}
		if g.NumEdges() > 0 && g.EdgeFeatureDim() != edgeDim {
			return errors.Errorf("graph %q has edge features of width %d, dataset uses %d", g.ID, g.EdgeFeatureDim(), edgeDim)
		}
	}
	return nil
}

// SaveShard writes the graphs to filePath, gob encoded.
func SaveShard(filePath string, graphs []*InteractionGraph) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create dataset shard %q", filePath)
	}
	enc := gob.NewEncoder(f)
	if err = enc.Encode(graphs); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to encode %d graphs to %q", len(graphs), filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close dataset shard %q", filePath)
}

// LoadShard reads one gob encoded shard.
func LoadShard(filePath string) ([]*InteractionGraph, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open dataset shard %q", filePath)
	}
	defer func() { _ = f.Close() }()
	var graphs []*InteractionGraph
	if err = gob.NewDecoder(f).Decode(&graphs); err != nil {
		return nil, errors.Wrapf(err, "failed to decode dataset shard %q", filePath)
	}
	return graphs, nil
}

// LoadDir loads all shards (files ending in ShardExt) in dir, in parallel. Graphs are ordered by shard file name,
// and then by their position in the shard, so the result is deterministic.
func LoadDir(dir string) (*Dataset, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list dataset directory %q", dir)
	}
	var shardPaths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ShardExt) {
			continue
		}
		shardPaths = append(shardPaths, filepath.Join(dir, entry.Name()))
	}
	if len(shardPaths) == 0 {
		return nil, errors.Errorf("no dataset shards (*%s) found in %q", ShardExt, dir)
	}
	slices.Sort(shardPaths)

	shards := make([][]*InteractionGraph, len(shardPaths))
	var wg errgroup.Group
	for ii, shardPath := range shardPaths {
		wg.Go(func() error {
			graphs, err := LoadShard(shardPath)
			if err != nil {
				return err
			}
			shards[ii] = graphs
			return nil
		})
	}
	if err = wg.Wait(); err != nil {
		return nil, err
	}
	ds := &Dataset{graphs: slices.Concat(shards...)}
	klog.V(1).Infof("Loaded %d graphs from %d shards in %q", ds.Len(), len(shardPaths), dir)
	if err = ds.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid dataset in %q", dir)
	}
	return ds, nil
}
