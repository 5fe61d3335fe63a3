package backup

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies the scheduler and debounce timers leave no goroutines behind.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("testing.(*M).Run.func1"),
		goleak.IgnoreTopFunction("testing.tRunner"),
	)
}
