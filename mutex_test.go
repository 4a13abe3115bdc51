package haywatch

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestMutexRunSequential(t *testing.T) {
	mutex := NewMutex()

	// each task awaits an external delay, results must still be in
	// submission order
	stateLock := sync.Mutex{}
	results := []int{}
	counter := 0

	n := 4
	resultChans := []<-chan error{}
	for i := 0; i < n; i += 1 {
		resultChans = append(resultChans, mutex.RunSequential(func() error {
			time.Sleep(20 * time.Millisecond)
			stateLock.Lock()
			results = append(results, counter)
			counter += 1
			stateLock.Unlock()
			return nil
		}))
	}

	assert.Equal(t, true, mutex.IsLocked())

	for _, resultChan := range resultChans {
		assert.Equal(t, nil, <-resultChan)
	}
	assert.Equal(t, []int{0, 1, 2, 3}, results)
	assert.Equal(t, false, mutex.IsLocked())
}

func TestMutexWaitSwallowsErrors(t *testing.T) {
	mutex := NewMutex()

	mutex.RunSequential(func() error {
		time.Sleep(10 * time.Millisecond)
		return errors.New("task error")
	})
	ran := false
	mutex.RunSequential(func() error {
		ran = true
		return nil
	})

	mutex.Wait()
	assert.Equal(t, true, ran)
	assert.Equal(t, false, mutex.IsLocked())
}

func TestMutexRecoversTaskPanic(t *testing.T) {
	mutex := NewMutex()

	err := <-mutex.RunSequential(func() error {
		panic("boom")
	})
	assert.NotEqual(t, nil, err)

	// the chain is still usable
	assert.Equal(t, nil, <-mutex.RunSequential(func() error {
		return nil
	}))
}

func TestMutexReentrant(t *testing.T) {
	mutex := NewMutex()

	order := []string{}
	var inner <-chan error
	outer := mutex.RunSequential(func() error {
		order = append(order, "outer")
		// chains behind the running task without deadlocking
		inner = mutex.RunSequential(func() error {
			order = append(order, "inner")
			return nil
		})
		return nil
	})

	assert.Equal(t, nil, <-outer)
	assert.Equal(t, nil, <-inner)
	assert.Equal(t, []string{"outer", "inner"}, order)
}
