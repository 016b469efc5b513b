package test

import (
	"os"
	"testing"
)

// Integration skips t unless CODERUNNER_INTEGRATION is set. Integration tests need external
// resources such as a Docker daemon.
func Integration(t *testing.T) {
	t.Helper()
	if os.Getenv("CODERUNNER_INTEGRATION") == "" {
		t.Skip("skipping integration test, set CODERUNNER_INTEGRATION=1 to run it")
	}
}
