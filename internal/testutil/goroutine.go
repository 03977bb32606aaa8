package testutil

import (
	"runtime"
	"testing"
	"time"
)

// AssertNoGoroutineLeaks fails the test when the goroutine count has not
// settled back to the recorded baseline. The margin absorbs runtime and
// test-harness goroutines that come and go on their own schedule. Polling
// backs off exponentially; on failure the full stack dump of every live
// goroutine is attached so the leaked one can be named.
func AssertNoGoroutineLeaks(t *testing.T, baseline, margin int) {
	t.Helper()
	current := runtime.NumGoroutine()
	for wait := 10 * time.Millisecond; wait < 5*time.Second; wait *= 2 {
		if current <= baseline+margin {
			return
		}
		time.Sleep(wait)
		current = runtime.NumGoroutine()
	}

	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	t.Errorf("goroutine leak: baseline=%d current=%d margin=%d\n%s",
		baseline, current, margin, buf[:n])
}
