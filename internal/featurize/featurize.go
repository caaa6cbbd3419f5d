// Package featurize builds interaction graphs from the 3D structures of a protein and a ligand.
//
// Nodes are the ligand atoms, the protein atoms within the cutoff distance of any ligand atom (the pocket), and
// a last masternode connected to all ligand atoms. Edges link every pair of atoms within the cutoff distance, in
// both directions.
package featurize

import (
	"slices"
	"strings"

	"github.com/chewxy/math32"
	"github.com/janpfeifer/gateaffinity/internal/graphs"
	"github.com/pkg/errors"
	chem "github.com/rmera/gochem"
)

// DefaultCutoff is the default distance in Å under which two atoms are connected.
const DefaultCutoff = 5.0

// Element classes of the one-hot node encoding.
const (
	ElementC = iota
	ElementN
	ElementO
	ElementS
	ElementP
	ElementHalogen
	ElementOther
	NumElements
)

// Node feature positions after the element one-hot.
const (
	NodeIsLigand = NumElements + iota
	NodeIsMaster
	NumNodeFeatures
)

// Edge feature positions.
const (
	EdgeDistance = iota
	EdgeInverseDistance
	EdgeLigandLigand
	EdgeProteinLigand
	EdgeProteinProtein
	EdgeMaster
	NumEdgeFeatures
)

// ElementClass returns the one-hot position of the chemical element symbol.
func ElementClass(symbol string) int {
	switch strings.ToUpper(strings.TrimSpace(symbol)) {
	case "C":
		return ElementC
	case "N":
		return ElementN
	case "O":
		return ElementO
	case "S":
		return ElementS
	case "P":
		return ElementP
	case "F", "CL", "BR", "I":
		return ElementHalogen
	default:
		return ElementOther
	}
}

func isHydrogen(symbol string) bool {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	return s == "H" || s == "D"
}

type atom struct {
	pos      [3]float32
	element  int
	isLigand bool
}

func (a atom) distance(b atom) float32 {
	dx, dy, dz := a.pos[0]-b.pos[0], a.pos[1]-b.pos[1], a.pos[2]-b.pos[2]
	return math32.Sqrt(dx*dx + dy*dy + dz*dz)
}

// atoms of the first frame of mol, skipping hydrogens.
func atoms(mol *chem.Molecule, isLigand bool) ([]atom, error) {
	if mol == nil || len(mol.Coords) == 0 {
		return nil, errors.New("molecule has no coordinates")
	}
	coords := mol.Coords[0]
	list := make([]atom, 0, mol.Len())
	for ii := range mol.Len() {
		symbol := mol.Atom(ii).Symbol
		if isHydrogen(symbol) {
			continue
		}
		a := atom{element: ElementClass(symbol), isLigand: isLigand}
		for jj := range 3 {
			a.pos[jj] = float32(coords.At(ii, jj))
		}
		list = append(list, a)
	}
	return list, nil
}

// Build the interaction graph of the complex id, labeled with affinity. Atoms closer than cutoff Å are connected.
// Hydrogens are ignored.
func Build(id string, protein, ligand *chem.Molecule, affinity float32, cutoff float64) (*graphs.InteractionGraph, error) {
	if cutoff <= 0 {
		return nil, errors.Errorf("cutoff must be > 0, got %g", cutoff)
	}
	ligandAtoms, err := atoms(ligand, true)
	if err != nil {
		return nil, errors.WithMessagef(err, "ligand of %q", id)
	}
	if len(ligandAtoms) == 0 {
		return nil, errors.Errorf("ligand of %q has no heavy atoms", id)
	}
	proteinAtoms, err := atoms(protein, false)
	if err != nil {
		return nil, errors.WithMessagef(err, "protein of %q", id)
	}
	limit := float32(cutoff)

	nodes := slices.Clone(ligandAtoms)
	for _, p := range proteinAtoms {
		for _, l := range ligandAtoms {
			if p.distance(l) <= limit {
				nodes = append(nodes, p)
				break
			}
		}
	}

	g := &graphs.InteractionGraph{
		ID:       id,
		Nodes:    make([][]float32, len(nodes)+1),
		Affinity: affinity,
	}
	for ii, a := range nodes {
		features := make([]float32, NumNodeFeatures)
		features[a.element] = 1
		if a.isLigand {
			features[NodeIsLigand] = 1
		}
		g.Nodes[ii] = features
	}
	master := len(nodes)
	g.Nodes[master] = make([]float32, NumNodeFeatures)
	g.Nodes[master][NodeIsMaster] = 1

	addEdge := func(src, tgt int, features []float32) {
		g.EdgeIndex[0] = append(g.EdgeIndex[0], int32(src))
		g.EdgeIndex[1] = append(g.EdgeIndex[1], int32(tgt))
		g.Edges = append(g.Edges, features)
	}
	for ii := range nodes {
		for jj := ii + 1; jj < len(nodes); jj++ {
			d := nodes[ii].distance(nodes[jj])
			if d > limit {
				continue
			}
			if d == 0 {
				return nil, errors.Errorf("complex %q has overlapping atoms %d and %d", id, ii, jj)
			}
			features := make([]float32, NumEdgeFeatures)
			features[EdgeDistance] = d
			features[EdgeInverseDistance] = 1 / d
			switch {
			case nodes[ii].isLigand && nodes[jj].isLigand:
				features[EdgeLigandLigand] = 1
			case nodes[ii].isLigand || nodes[jj].isLigand:
				features[EdgeProteinLigand] = 1
			default:
				features[EdgeProteinProtein] = 1
			}
			addEdge(ii, jj, features)
			addEdge(jj, ii, features)
		}
	}
	for ii := range ligandAtoms {
		features := make([]float32, NumEdgeFeatures)
		features[EdgeMaster] = 1
		addEdge(ii, master, features)
		addEdge(master, ii, features)
	}
	if err = g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}
