package utils

import (
	"context"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
)

// ParallelFactor controls the max level of parallelization. This might be useful
// to set in tests where too much parallelism actually slows tests down in
// aggregate.
var ParallelFactor = runtime.GOMAXPROCS(0)

func init() {
	if ParallelFactor <= 0 {
		ParallelFactor = 1
	}
}

// ParallelForEachIndex calls f once for every index in [0, total), spreading the
// indices over at most ParallelFactor workers. Workers stop picking up new indices once
// ctx is done; the context error is returned in that case. A panic in f is recovered for
// that index only, the worker moves on, and the panics are returned combined.
func ParallelForEachIndex(ctx context.Context, total int, f func(index int)) error {
	if total <= 0 {
		return ctx.Err()
	}
	numWorkers := ParallelFactor
	if numWorkers > total {
		numWorkers = total
	}

	var panicsMu sync.Mutex
	var panics error
	call := func(index int) {
		defer func() {
			if r := recover(); r != nil {
				panicsMu.Lock()
				panics = multierr.Append(panics, errors.Errorf("index %d panicked: %v", index, r))
				panicsMu.Unlock()
			}
		}()
		f(index)
	}

	indices := make(chan int)
	var wait sync.WaitGroup
	wait.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		utils.PanicCapturingGo(func() {
			defer wait.Done()
			for index := range indices {
				call(index)
			}
		})
	}

	var err error
feed:
	for index := 0; index < total; index++ {
		if err = ctx.Err(); err != nil {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break feed
		case indices <- index:
		}
	}
	close(indices)
	wait.Wait()
	if err != nil {
		return err
	}
	return panics
}

// ParallelForEachRow splits [0, rows) into contiguous bands, one per worker, and calls f
// for every row. Used for per-pixel image passes where each row is independent.
func ParallelForEachRow(rows int, f func(row int)) {
	procs := ParallelFactor
	if procs > rows {
		procs = rows
	}
	if procs <= 1 {
		for row := 0; row < rows; row++ {
			f(row)
		}
		return
	}
	band := rows / procs
	var waitGroup sync.WaitGroup
	waitGroup.Add(procs)
	for i := 0; i < procs; i++ {
		start := i * band
		end := start + band
		if i == procs-1 {
			end = rows
		}
		utils.PanicCapturingGo(func() {
			defer waitGroup.Done()
			for row := start; row < end; row++ {
				f(row)
			}
		})
	}
	waitGroup.Wait()
}
