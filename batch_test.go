package haywatch

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestBatchProcessorChunks(t *testing.T) {
	stateLock := sync.Mutex{}
	batches := [][]int{}

	processor := NewBatchProcessor(
		func(args []int) ([]BatchResult[int], error) {
			stateLock.Lock()
			batches = append(batches, args)
			stateLock.Unlock()
			results := make([]BatchResult[int], len(args))
			for i, arg := range args {
				results[i] = BatchResult[int]{Value: 2 * arg}
			}
			return results, nil
		},
		&BatchSettings{
			Window: 50 * time.Millisecond,
			Limit:  4,
		},
	)

	n := 10
	wg := sync.WaitGroup{}
	values := make([]int, n)
	errs := make([]error, n)
	for i := 0; i < n; i += 1 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			values[i], errs[i] = processor.Invoke(i)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i += 1 {
		assert.Equal(t, nil, errs[i])
		assert.Equal(t, 2*i, values[i])
	}

	// ceil(10/4) chunks of contiguous slices
	stateLock.Lock()
	defer stateLock.Unlock()
	assert.Equal(t, 3, len(batches))
	assert.Equal(t, 4, len(batches[0]))
	assert.Equal(t, 4, len(batches[1]))
	assert.Equal(t, 2, len(batches[2]))
}

func TestBatchProcessorSizeMismatch(t *testing.T) {
	processor := NewBatchProcessor(
		func(args []string) ([]BatchResult[string], error) {
			// one result missing
			return make([]BatchResult[string], len(args)-1), nil
		},
		&BatchSettings{
			Window: 20 * time.Millisecond,
			Limit:  100,
		},
	)

	n := 3
	wg := sync.WaitGroup{}
	errs := make([]error, n)
	for i := 0; i < n; i += 1 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = processor.Invoke(fmt.Sprintf("arg%d", i))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i += 1 {
		var sizeErr *BatchSizeError
		assert.Equal(t, true, errors.As(errs[i], &sizeErr))
	}
}

func TestBatchProcessorElementErrors(t *testing.T) {
	badArg := errors.New("bad arg")
	processor := NewBatchProcessor(
		func(args []int) ([]BatchResult[int], error) {
			results := make([]BatchResult[int], len(args))
			for i, arg := range args {
				if arg%2 == 0 {
					results[i] = BatchResult[int]{Err: badArg}
				} else {
					results[i] = BatchResult[int]{Value: arg}
				}
			}
			return results, nil
		},
		&BatchSettings{
			Window: 20 * time.Millisecond,
			Limit:  100,
		},
	)

	n := 4
	wg := sync.WaitGroup{}
	values := make([]int, n)
	errs := make([]error, n)
	for i := 0; i < n; i += 1 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			values[i], errs[i] = processor.Invoke(i)
		}(i)
	}
	wg.Wait()

	// even args reject, odd args still resolve
	for i := 0; i < n; i += 1 {
		if i%2 == 0 {
			assert.Equal(t, badArg, errs[i])
		} else {
			assert.Equal(t, nil, errs[i])
			assert.Equal(t, i, values[i])
		}
	}
}

func TestBatchProcessorBatcherError(t *testing.T) {
	batchErr := errors.New("batch failed")
	processor := NewBatchProcessor(
		func(args []int) ([]BatchResult[int], error) {
			return nil, batchErr
		},
		&BatchSettings{
			Window: 20 * time.Millisecond,
			Limit:  100,
		},
	)

	n := 3
	wg := sync.WaitGroup{}
	errs := make([]error, n)
	for i := 0; i < n; i += 1 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = processor.Invoke(i)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i += 1 {
		assert.Equal(t, batchErr, errs[i])
	}
}

func TestBatchIdsMerge(t *testing.T) {
	stateLock := sync.Mutex{}
	calls := [][]string{}

	batchIds := NewBatchIds(func(ids []string) error {
		stateLock.Lock()
		calls = append(calls, ids)
		stateLock.Unlock()
		return nil
	}, 50*time.Millisecond)

	wg := sync.WaitGroup{}
	for _, ids := range [][]string{{"a", "b"}, {"b", "c"}, {"a"}} {
		wg.Add(1)
		go func(ids []string) {
			defer wg.Done()
			assert.Equal(t, nil, batchIds.Invoke(ids))
		}(ids)
	}
	wg.Wait()

	// one merged, de-duplicated call
	stateLock.Lock()
	defer stateLock.Unlock()
	assert.Equal(t, 1, len(calls))
	merged := map[string]bool{}
	for _, id := range calls[0] {
		merged[id] = true
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, merged)
}

func TestBatchIdsSharedError(t *testing.T) {
	methodErr := errors.New("method failed")
	batchIds := NewBatchIds(func(ids []string) error {
		return methodErr
	}, 20*time.Millisecond)

	wg := sync.WaitGroup{}
	errs := make([]error, 2)
	for i := 0; i < 2; i += 1 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = batchIds.Invoke([]string{fmt.Sprintf("id%d", i)})
		}(i)
	}
	wg.Wait()

	// all contributing callers share the deferred result
	assert.Equal(t, methodErr, errs[0])
	assert.Equal(t, methodErr, errs[1])
}
