//go:build !linux && !windows

package fs

type osTable struct{}

// OSTable is empty where the descriptor table cannot be enumerated.
func OSTable() Table {
	return osTable{}
}

func (osTable) Snapshot() []Descriptor          { return nil }
func (osTable) Lookup(int) (Descriptor, bool) { return Descriptor{}, false }
