package annostore

import (
	"context"
	log "log/slog"
	"math/rand"
	"sync"
	"time"
)

// Now returns the current time and can be "synthesized" in tests.
var Now = time.Now

var (
	jitterMu  sync.Mutex
	jitterRNG = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// RandomSleepWithUnit sleeps for a random multiple (1..4) of the provided unit duration.
// Useful to jitter lock pollers and reduce contention.
func RandomSleepWithUnit(ctx context.Context, unit time.Duration) {
	jitterMu.Lock()
	m := time.Duration(jitterRNG.Intn(5))
	jitterMu.Unlock()
	if m == 0 {
		m = 1
	}
	st := m * unit
	log.Debug("sleep jitter", "multiplier", m, "unit", unit, "duration", st)
	Sleep(ctx, st)
}

// RandomSleep sleeps for a random duration between 20ms and 80ms.
func RandomSleep(ctx context.Context) {
	RandomSleepWithUnit(ctx, 20*time.Millisecond)
}

// Sleep blocks for the specified duration or until the context is done, whichever happens first.
func Sleep(ctx context.Context, sleepTime time.Duration) {
	if sleepTime <= 0 {
		return
	}
	sleep, cancel := context.WithTimeout(ctx, sleepTime)
	defer cancel()
	<-sleep.Done()
}
