// Package govern runs request handlers inside enforced wall-clock, CPU
// and memory ceilings. A breached limit terminates the request, never
// the process.
package govern

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

const (
	ReasonTimeout        = "timeout"
	ReasonMemoryExceeded = "memory_exceeded"
	ReasonCPUExceeded    = "cpu_exceeded"
	// ReasonRateLimited is raised by the pipeline's request-rate guard,
	// not by RunBounded itself.
	ReasonRateLimited = "rate_limited"
)

type ResourceError struct {
	Reason string
}

func (e *ResourceError) Error() string {
	return "resource limit exceeded: " + e.Reason
}

// Limits is immutable for the lifetime of a request. A zero field
// disables that ceiling.
type Limits struct {
	MaxWallTime    time.Duration
	MaxCPUTime     time.Duration
	MaxMemoryBytes int64
}

// Handler is the protected unit of work. It must honor ctx cancellation
// to release resources early; the governor regains control regardless.
type Handler func(ctx context.Context) (map[string]any, error)

type Governor struct {
	// PollInterval controls CPU/memory sampling. Defaults to 5ms.
	PollInterval time.Duration
}

type outcome struct {
	data map[string]any
	err  error
}

// Heap accounting is process-wide, so a memory delta is attributable to
// a request only while it is the sole governed request in flight.
var governedInFlight atomic.Int64

// RunBounded executes handler in its own worker goroutine under limits.
// The call returns within MaxWallTime plus one poll interval even if
// the handler never yields; an abandoned worker's result is discarded,
// so a terminated request can never be reported as success.
func (g *Governor) RunBounded(ctx context.Context, handler Handler, limits Limits) (map[string]any, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	governedInFlight.Add(1)
	defer governedInFlight.Add(-1)

	done := make(chan outcome, 1)
	tidCh := make(chan int, 1)
	go func() {
		// Pin the worker to an OS thread so CPU time is attributable
		// to this request via the thread's accounting.
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		tidCh <- unix.Gettid()
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		data, err := handler(ctx)
		done <- outcome{data: data, err: err}
	}()
	tid := <-tidCh

	var wall <-chan time.Time
	if limits.MaxWallTime > 0 {
		timer := time.NewTimer(limits.MaxWallTime)
		defer timer.Stop()
		wall = timer.C
	}

	interval := g.PollInterval
	if interval <= 0 {
		interval = 5 * time.Millisecond
	}
	var poll <-chan time.Time
	if limits.MaxCPUTime > 0 || limits.MaxMemoryBytes > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		poll = ticker.C
	}

	cpuBase := threadCPUTime(tid)
	memBase := heapInUse()

	for {
		select {
		case out := <-done:
			return out.data, out.err
		case <-ctx.Done():
			// Cancellation from the caller is not a governor verdict.
			return nil, ctx.Err()
		case <-wall:
			cancel()
			return nil, &ResourceError{Reason: ReasonTimeout}
		case <-poll:
			if limits.MaxCPUTime > 0 {
				if used := threadCPUTime(tid) - cpuBase; used > limits.MaxCPUTime {
					cancel()
					return nil, &ResourceError{Reason: ReasonCPUExceeded}
				}
			}
			if limits.MaxMemoryBytes > 0 {
				inUse := heapInUse()
				if governedInFlight.Load() > 1 {
					// A neighbor's allocations would be blamed on this
					// request; re-baseline rather than enforce.
					memBase = inUse
				} else if grown := inUse - memBase; grown > limits.MaxMemoryBytes {
					cancel()
					return nil, &ResourceError{Reason: ReasonMemoryExceeded}
				}
			}
		}
	}
}

// Linux reports thread CPU in clock ticks of 1/100s.
const clockTick = 100

// threadCPUTime reads utime+stime for one OS thread from procfs.
// Returns 0 when the accounting source is unavailable, which disables
// CPU enforcement rather than failing the request.
func threadCPUTime(tid int) time.Duration {
	raw, err := os.ReadFile("/proc/self/task/" + strconv.Itoa(tid) + "/stat")
	if err != nil {
		return 0
	}
	// Fields after the parenthesized comm, which may itself contain
	// spaces; utime and stime are fields 14 and 15 of the full line.
	closing := strings.LastIndexByte(string(raw), ')')
	if closing < 0 {
		return 0
	}
	fields := strings.Fields(string(raw[closing+1:]))
	if len(fields) < 13 {
		return 0
	}
	utime, err1 := strconv.ParseInt(fields[11], 10, 64)
	stime, err2 := strconv.ParseInt(fields[12], 10, 64)
	if err1 != nil || err2 != nil {
		return 0
	}
	return time.Duration(utime+stime) * time.Second / clockTick
}

func heapInUse() int64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return int64(stats.HeapAlloc)
}
