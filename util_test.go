package haywatch

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbackList := NewCallbackList[func() int]()

	id1 := callbackList.Add(func() int { return 1 })
	id2 := callbackList.Add(func() int { return 2 })
	id3 := callbackList.Add(func() int { return 3 })
	assert.Equal(t, 3, callbackList.Len())

	// removal preserves the order of the rest
	callbackList.Remove(id2)
	results := []int{}
	for _, callback := range callbackList.Get() {
		results = append(results, callback())
	}
	assert.Equal(t, []int{1, 3}, results)

	// removing an unknown id is a no-op
	callbackList.Remove(id2)
	assert.Equal(t, 2, callbackList.Len())

	callbackList.Remove(id1)
	callbackList.Remove(id3)
	assert.Equal(t, 0, callbackList.Len())
}

func TestCallbackListSnapshot(t *testing.T) {
	callbackList := NewCallbackList[func()]()

	var removeSelf func()
	fired := 0
	removeSelf = func() {
		fired += 1
	}
	id := callbackList.Add(removeSelf)

	// a snapshot taken before removal still holds the callback
	snapshot := callbackList.Get()
	callbackList.Remove(id)
	assert.Equal(t, 0, callbackList.Len())
	assert.Equal(t, 1, len(snapshot))
	snapshot[0]()
	assert.Equal(t, 1, fired)
}

func TestCallbackListClear(t *testing.T) {
	callbackList := NewCallbackList[func()]()
	callbackList.Add(func() {})
	callbackList.Add(func() {})
	callbackList.Clear()
	assert.Equal(t, 0, callbackList.Len())
}
