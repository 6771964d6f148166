// ABOUTME: Tests for the pair-request retry cache
// ABOUTME: Covers retry detection, expiry, capacity eviction, sweep, and concurrency

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckAndMark_NewDevice(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.CheckAndMark("device-1"), "first request is not a retry")
}

func TestCheckAndMark_Retry(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.CheckAndMark("device-1"))
	assert.True(t, cache.CheckAndMark("device-1"), "second request inside the TTL is a retry")
	assert.True(t, cache.CheckAndMark("device-1"))
}

func TestCheckAndMark_IndependentDevices(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	assert.False(t, cache.CheckAndMark("device-1"))
	assert.False(t, cache.CheckAndMark("device-2"), "other devices are unaffected")
	assert.True(t, cache.CheckAndMark("device-1"))
}

func TestCheckAndMark_ExpiredEntryIsNew(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	assert.False(t, cache.CheckAndMark("device-1"))
	time.Sleep(20 * time.Millisecond)

	// The window closed, so the same device starts fresh.
	assert.False(t, cache.CheckAndMark("device-1"))
	assert.True(t, cache.CheckAndMark("device-1"))
}

func TestCheckAndMark_RetryKeepsOriginalExpiry(t *testing.T) {
	cache := New(50*time.Millisecond, 100)
	defer cache.Close()

	assert.False(t, cache.CheckAndMark("device-1"))
	time.Sleep(30 * time.Millisecond)

	// A retry must not extend the window.
	assert.True(t, cache.CheckAndMark("device-1"))
	time.Sleep(30 * time.Millisecond)

	assert.False(t, cache.CheckAndMark("device-1"), "entry expires on the original schedule")
}

func TestCapacity_EvictsOldest(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	cache.CheckAndMark("device-1")
	cache.CheckAndMark("device-2")
	cache.CheckAndMark("device-3")

	// Inserting a fourth device pushes out device-1.
	assert.False(t, cache.CheckAndMark("device-4"))
	assert.False(t, cache.CheckAndMark("device-1"), "oldest entry was evicted")

	// device-1 re-entered at capacity, evicting device-2 in turn.
	assert.True(t, cache.CheckAndMark("device-3"))
	assert.True(t, cache.CheckAndMark("device-4"))
	assert.False(t, cache.CheckAndMark("device-2"))
}

func TestSweep_RemovesExpired(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	cache.CheckAndMark("device-1")
	cache.CheckAndMark("device-2")
	time.Sleep(20 * time.Millisecond)
	cache.sweep()

	cache.mu.Lock()
	remaining := len(cache.devices)
	order := cache.order.Len()
	cache.mu.Unlock()
	assert.Zero(t, remaining)
	assert.Zero(t, order, "insertion order stays in step with the map")
}

func TestCheckAndMark_Concurrent(t *testing.T) {
	cache := New(5*time.Minute, 1000)
	defer cache.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	firsts := 0

	// Many goroutines racing on the same device ID. Exactly one may win.
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !cache.CheckAndMark("device-1") {
				mu.Lock()
				firsts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, firsts, "only one goroutine sees the device as new")
}

func TestCheckAndMark_ConcurrentDistinctDevices(t *testing.T) {
	cache := New(5*time.Minute, 1000)
	defer cache.Close()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("device-%d", n)
			assert.False(t, cache.CheckAndMark(id))
			assert.True(t, cache.CheckAndMark(id))
		}(i)
	}
	wg.Wait()
}

func TestClose_Idempotent(t *testing.T) {
	cache := New(5*time.Minute, 100)
	cache.Close()
	cache.Close()
}

func TestClose_CacheStillUsable(t *testing.T) {
	cache := New(5*time.Minute, 100)
	cache.Close()

	// Only the sweep goroutine stops. Lookups keep working during shutdown.
	assert.False(t, cache.CheckAndMark("device-1"))
	assert.True(t, cache.CheckAndMark("device-1"))
}
