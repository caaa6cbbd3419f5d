package models

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Arch enumerates the supported model architectures.
type Arch int

const (
	ArchGATE Arch = iota
	ArchGATE2
	ArchGATE3
	ArchGATE4
	ArchGATE5
	ArchGATE6
	ArchGATE7
	ArchGATE0a
	ArchGATE0b
	ArchGATE0ar
	ArchGATE0br
	ArchGAT0mnbn
	ArchGAT2mnbn
	ArchGIN0mn
	ArchFNN
	numArchs
)

// ErrUnknownArch is returned when parsing an architecture name that is not enumerated.
var ErrUnknownArch = errors.New("unknown architecture")

var archNames = [numArchs]string{
	"GATE", "GATE2", "GATE3", "GATE4", "GATE5", "GATE6", "GATE7",
	"GATE0a", "GATE0b", "GATE0ar", "GATE0br",
	"GAT0mnbn", "GAT2mnbn", "GIN0_mn",
	"FNN",
}

// String implements fmt.Stringer.
func (a Arch) String() string {
	if a < 0 || a >= numArchs {
		return fmt.Sprintf("Arch(%d)", int(a))
	}
	return archNames[a]
}

// ArchValues returns all enumerated architectures.
func ArchValues() []Arch {
	values := make([]Arch, numArchs)
	for ii := range values {
		values[ii] = Arch(ii)
	}
	return values
}

// ParseArch converts an architecture name to an Arch. Names are matched ignoring case, and "GIN0mn" is
// accepted as an alias of "GIN0_mn".
func ParseArch(name string) (Arch, error) {
	for _, a := range ArchValues() {
		if strings.EqualFold(name, archNames[a]) {
			return a, nil
		}
	}
	if strings.EqualFold(name, "GIN0mn") {
		return ArchGIN0mn, nil
	}
	return ArchGATE, errors.Wrapf(ErrUnknownArch, "%q (valid values: %s)", name, strings.Join(archNames[:], ", "))
}

// MarshalText implements encoding.TextMarshaler.
func (a Arch) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Arch) UnmarshalText(text []byte) error {
	var err error
	*a, err = ParseArch(string(text))
	return err
}

// IsMasternode returns whether the architecture reads out the state of the masternode of each graph.
func (a Arch) IsMasternode() bool {
	return a == ArchGAT0mnbn || a == ArchGAT2mnbn || a == ArchGIN0mn
}
