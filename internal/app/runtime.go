package app

import (
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

const testModeEnv = "BACKOFFICE_TEST_MODE"

var (
	testMode     atomic.Bool
	loadTestMode = sync.OnceFunc(RefreshTestMode)
)

// InTestMode reports whether binaries should skip connecting to Postgres,
// Redis and the POS source.
func InTestMode() bool {
	loadTestMode()
	return testMode.Load()
}

// RefreshTestMode re-reads BACKOFFICE_TEST_MODE; "1" and "true" enable it.
func RefreshTestMode() {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(testModeEnv)))
	testMode.Store(v == "1" || v == "true")
}
