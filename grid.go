package haywatch

import (
	"reflect"
	"sort"

	"golang.org/x/exp/maps"
)

// minimal consumed surface of the record value model
// the watch subsystem only reads ids, copies rows, and compares fields

type Dict map[string]any

func (self Dict) Id() string {
	if id, ok := self["id"].(string); ok {
		return id
	}
	return ""
}

func (self Dict) Dis() string {
	if dis, ok := self["dis"].(string); ok {
		return dis
	}
	return self.Id()
}

func (self Dict) Copy() Dict {
	return maps.Clone(self)
}

// Grid is an ordered set of rows with at most one row per id.
type Grid struct {
	Meta Dict
	Cols []string
	Rows []Dict
}

func (self *Grid) Get(id string) (Dict, bool) {
	for _, row := range self.Rows {
		if row.Id() == id {
			return row, true
		}
	}
	return nil, false
}

func (self *Grid) Ids() []string {
	ids := []string{}
	for _, row := range self.Rows {
		if id := row.Id(); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// Err returns the embedded domain error if the grid encodes one.
func (self *Grid) Err() *GridError {
	if self.Meta == nil {
		return nil
	}
	if _, ok := self.Meta["err"]; !ok {
		return nil
	}
	return &GridError{
		Dis:  self.Meta.Dis(),
		Meta: self.Meta.Copy(),
	}
}

// ValueChange carries the old and new values of one changed field.
type ValueChange struct {
	Old any
	New any
}

// DictChanged is the per-id diff record produced by structural
// comparison of the old and new row.
type DictChanged struct {
	Added   []string
	Removed []string
	Changed map[string]*ValueChange
}

func (self *DictChanged) Empty() bool {
	return len(self.Added) == 0 && len(self.Removed) == 0 && len(self.Changed) == 0
}

// Restrict narrows the diff to the named fields.
// Returns nil if nothing of interest remains.
func (self *DictChanged) Restrict(interests []string) *DictChanged {
	interestSet := map[string]bool{}
	for _, interest := range interests {
		interestSet[interest] = true
	}

	restricted := &DictChanged{
		Changed: map[string]*ValueChange{},
	}
	for _, name := range self.Added {
		if interestSet[name] {
			restricted.Added = append(restricted.Added, name)
		}
	}
	for _, name := range self.Removed {
		if interestSet[name] {
			restricted.Removed = append(restricted.Removed, name)
		}
	}
	for name, change := range self.Changed {
		if interestSet[name] {
			restricted.Changed[name] = change
		}
	}
	if restricted.Empty() {
		return nil
	}
	return restricted
}

// DiffDicts compares two rows field by field.
// Returns nil if the rows are structurally equal.
func DiffDicts(oldDict Dict, newDict Dict) *DictChanged {
	diff := &DictChanged{
		Changed: map[string]*ValueChange{},
	}
	for name, newValue := range newDict {
		oldValue, ok := oldDict[name]
		if !ok {
			diff.Added = append(diff.Added, name)
		} else if !valueEqual(oldValue, newValue) {
			diff.Changed[name] = &ValueChange{
				Old: oldValue,
				New: newValue,
			}
		}
	}
	for name := range oldDict {
		if _, ok := newDict[name]; !ok {
			diff.Removed = append(diff.Removed, name)
		}
	}
	if diff.Empty() {
		return nil
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	return diff
}

// patchDict applies a diff to a row in place.
func patchDict(dict Dict, diff *DictChanged, newDict Dict) {
	for _, name := range diff.Added {
		dict[name] = newDict[name]
	}
	for _, name := range diff.Removed {
		delete(dict, name)
	}
	for name, change := range diff.Changed {
		dict[name] = change.New
	}
}

func valueEqual(a any, b any) bool {
	return reflect.DeepEqual(a, b)
}
