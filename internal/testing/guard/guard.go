// Package guard switches the process into test mode when imported, so
// binaries under test skip connecting to Postgres and Redis.
package guard

import (
	"os"
	"sync"
)

// EnvVar is the flag read by app.InTestMode.
const EnvVar = "KASIR_TEST_MODE"

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv(EnvVar) == "" {
			_ = os.Setenv(EnvVar, "1")
		}
	})
}
