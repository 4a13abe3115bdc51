package haywatch

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestDiffDicts(t *testing.T) {
	oldDict := Dict{"id": "a", "curVal": 1.0, "stale": true}
	newDict := Dict{"id": "a", "curVal": 2.0, "alarm": true}

	diff := DiffDicts(oldDict, newDict)
	assert.NotEqual(t, nil, diff)
	assert.Equal(t, []string{"alarm"}, diff.Added)
	assert.Equal(t, []string{"stale"}, diff.Removed)
	assert.Equal(t, 1, len(diff.Changed))
	assert.Equal(t, 1.0, diff.Changed["curVal"].Old)
	assert.Equal(t, 2.0, diff.Changed["curVal"].New)

	// equal rows diff to nil
	assert.Equal(t, (*DictChanged)(nil), DiffDicts(oldDict, oldDict.Copy()))
}

func TestDiffDictsNestedValues(t *testing.T) {
	oldDict := Dict{"id": "a", "tags": []any{"x", "y"}}
	sameDict := Dict{"id": "a", "tags": []any{"x", "y"}}
	changedDict := Dict{"id": "a", "tags": []any{"x"}}

	// structural comparison, not identity
	assert.Equal(t, (*DictChanged)(nil), DiffDicts(oldDict, sameDict))
	diff := DiffDicts(oldDict, changedDict)
	assert.NotEqual(t, nil, diff)
	assert.Equal(t, 1, len(diff.Changed))
}

func TestPatchDict(t *testing.T) {
	oldDict := Dict{"id": "a", "curVal": 1.0, "stale": true}
	newDict := Dict{"id": "a", "curVal": 2.0, "alarm": true}

	diff := DiffDicts(oldDict, newDict)
	patched := oldDict.Copy()
	patchDict(patched, diff, newDict)

	// patching the old row with the diff reproduces the new row
	assert.Equal(t, (*DictChanged)(nil), DiffDicts(patched, newDict))
}

func TestDictChangedRestrict(t *testing.T) {
	diff := &DictChanged{
		Added:   []string{"alarm"},
		Removed: []string{"stale"},
		Changed: map[string]*ValueChange{
			"curVal": {Old: 1.0, New: 2.0},
			"status": {Old: "ok", New: "warn"},
		},
	}

	restricted := diff.Restrict([]string{"curVal", "alarm"})
	assert.NotEqual(t, nil, restricted)
	assert.Equal(t, []string{"alarm"}, restricted.Added)
	assert.Equal(t, 0, len(restricted.Removed))
	assert.Equal(t, 1, len(restricted.Changed))

	// no overlap restricts to nil
	assert.Equal(t, (*DictChanged)(nil), diff.Restrict([]string{"other"}))
}

func TestGridErr(t *testing.T) {
	grid := &Grid{
		Meta: Dict{"err": true, "dis": "watch not found"},
	}
	gridErr := grid.Err()
	assert.NotEqual(t, nil, gridErr)
	assert.Equal(t, "watch not found", gridErr.Dis)

	ok := &Grid{Meta: Dict{"ver": "1.0"}}
	assert.Equal(t, (*GridError)(nil), ok.Err())
}

func TestGridGet(t *testing.T) {
	grid := &Grid{
		Cols: []string{"id", "curVal"},
		Rows: []Dict{
			{"id": "a", "curVal": 1.0},
			{"id": "b", "curVal": 2.0},
		},
	}
	assert.Equal(t, []string{"a", "b"}, grid.Ids())

	row, ok := grid.Get("b")
	assert.Equal(t, true, ok)
	assert.Equal(t, 2.0, row["curVal"])

	_, ok = grid.Get("c")
	assert.Equal(t, false, ok)
}
