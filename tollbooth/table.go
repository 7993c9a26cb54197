// Package tollbooth holds the static toll booth fee table.
package tollbooth

import (
	"fmt"
	"math/big"
	"sort"
)

// Booth is a single fee table entry.
type Booth struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	FeeBaseUnits *big.Int `json:"fee_wei"`
}

// FeeDisplay returns the booth fee in ether.
func (b Booth) FeeDisplay() string {
	return FormatEther(b.FeeBaseUnits)
}

// Table maps booth ids to fees. Unknown ids resolve to the default booth.
type Table struct {
	booths    map[string]Booth
	defaultID string
}

// DefaultBooths returns the demo booth set.
func DefaultBooths() []Booth {
	return []Booth{
		{ID: "TB001", Name: "Mumbai-Pune Expressway - Entry", FeeBaseUnits: mustEther("0.001")},
		{ID: "TB002", Name: "Mumbai-Pune Expressway - Exit", FeeBaseUnits: mustEther("0.0015")},
		{ID: "TB003", Name: "Delhi-Jaipur Highway - Toll Plaza 1", FeeBaseUnits: mustEther("0.0008")},
		{ID: "TB004", Name: "Bangalore Outer Ring Road", FeeBaseUnits: mustEther("0.0005")},
	}
}

// NewTable builds a fee table. The default booth must be one of booths.
func NewTable(booths []Booth, defaultID string) (*Table, error) {
	if len(booths) == 0 {
		return nil, fmt.Errorf("fee table is empty")
	}
	t := &Table{
		booths:    make(map[string]Booth, len(booths)),
		defaultID: defaultID,
	}
	for _, b := range booths {
		if b.ID == "" {
			return nil, fmt.Errorf("booth with empty id")
		}
		if _, dup := t.booths[b.ID]; dup {
			return nil, fmt.Errorf("duplicate booth id %s", b.ID)
		}
		t.booths[b.ID] = b
	}
	if _, ok := t.booths[defaultID]; !ok {
		return nil, fmt.Errorf("default booth %q is not in the fee table", defaultID)
	}
	return t, nil
}

// Lookup resolves a booth id. found is false when the default booth was used
// in place of an unknown id.
func (t *Table) Lookup(id string) (booth Booth, found bool) {
	if b, ok := t.booths[id]; ok {
		return b.clone(), true
	}
	return t.booths[t.defaultID].clone(), false
}

// DefaultID returns the id unknown booths resolve to.
func (t *Table) DefaultID() string {
	return t.defaultID
}

// All returns every booth ordered by id.
func (t *Table) All() []Booth {
	out := make([]Booth, 0, len(t.booths))
	for _, b := range t.booths {
		out = append(out, b.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b Booth) clone() Booth {
	if b.FeeBaseUnits != nil {
		b.FeeBaseUnits = new(big.Int).Set(b.FeeBaseUnits)
	}
	return b
}

func mustEther(s string) *big.Int {
	v, err := ParseEther(s)
	if err != nil {
		panic(err)
	}
	return v
}
