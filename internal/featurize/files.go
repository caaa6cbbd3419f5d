package featurize

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/janpfeifer/gateaffinity/internal/graphs"
	"github.com/pkg/errors"
	chem "github.com/rmera/gochem"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// ReadMolecule reads a structure file, choosing the format by its extension: .pdb, .gro or .xyz.
func ReadMolecule(path string) (*chem.Molecule, error) {
	var (
		mol *chem.Molecule
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdb":
		mol, err = chem.PDBFileRead(path)
	case ".gro":
		mol, err = chem.GroFileRead(path)
	case ".xyz":
		mol, err = chem.XYZFileRead(path)
	default:
		return nil, errors.Errorf("unsupported structure file format %q", path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read structure %q", path)
	}
	return mol, nil
}

// Entry of an index file: the complex ID and its affinity.
type Entry struct {
	ID       string
	Affinity float32
}

// ReadIndex reads an index file: one complex per line, with its ID in the first column and the affinity
// (-log Kd/Ki) in the column affinityColumn (0-based). Empty lines and lines starting with '#' are skipped.
// For the PDBbind index files affinityColumn is 3.
func ReadIndex(path string, affinityColumn int) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open index %q", path)
	}
	defer func() { _ = f.Close() }()
	var entries []Entry
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) <= affinityColumn {
			return nil, errors.Errorf("%s:%d: expected at least %d columns, got %d", path, lineNum,
				affinityColumn+1, len(fields))
		}
		affinity, err := strconv.ParseFloat(fields[affinityColumn], 32)
		if err != nil {
			return nil, errors.Wrapf(err, "%s:%d: invalid affinity", path, lineNum)
		}
		entries = append(entries, Entry{ID: fields[0], Affinity: float32(affinity)})
	}
	if err = scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read index %q", path)
	}
	return entries, nil
}

// Structures locates the protein and ligand files of a complex, in the PDBbind layout:
// <dir>/<id>/<id>_protein.pdb (or <id>_pocket.pdb) and <id>_ligand.{pdb,xyz}.
func Structures(dir, id string) (proteinPath, ligandPath string, err error) {
	base := filepath.Join(dir, id, id)
	find := func(kind string, suffixes ...string) (string, error) {
		for _, suffix := range suffixes {
			path := base + suffix
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}
		return "", errors.Errorf("no %s structure found for %q in %q", kind, id, dir)
	}
	if proteinPath, err = find("protein", "_pocket.pdb", "_protein.pdb"); err != nil {
		return
	}
	ligandPath, err = find("ligand", "_ligand.pdb", "_ligand.xyz")
	return
}

// Dataset featurizes all entries whose structures are found in dir, using up to parallelism goroutines.
// Complexes that fail are logged and skipped, and the order of the entries is kept.
func Dataset(ctx context.Context, dir string, entries []Entry, cutoff float64, parallelism int) ([]*graphs.InteractionGraph, error) {
	results := make([]*graphs.InteractionGraph, len(entries))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(1, parallelism))
	for ii, entry := range entries {
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			g, err := featurizeEntry(dir, entry, cutoff)
			if err != nil {
				klog.Warningf("Skipping complex %q: %v", entry.ID, err)
				return nil
			}
			results[ii] = g
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	list := make([]*graphs.InteractionGraph, 0, len(results))
	for _, g := range results {
		if g != nil {
			list = append(list, g)
		}
	}
	klog.Infof("Featurized %d out of %d complexes", len(list), len(entries))
	return list, nil
}

func featurizeEntry(dir string, entry Entry, cutoff float64) (*graphs.InteractionGraph, error) {
	proteinPath, ligandPath, err := Structures(dir, entry.ID)
	if err != nil {
		return nil, err
	}
	protein, err := ReadMolecule(proteinPath)
	if err != nil {
		return nil, err
	}
	ligand, err := ReadMolecule(ligandPath)
	if err != nil {
		return nil, err
	}
	return Build(entry.ID, protein, ligand, entry.Affinity, cutoff)
}
