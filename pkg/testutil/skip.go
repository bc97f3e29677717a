// Package testutil holds helpers shared by package tests.
package testutil

import (
	"os"
	"strconv"
	"testing"
)

// IntegrationEnv enables container-backed store tests in CI.
const IntegrationEnv = "KVBRIDGE_INTEGRATION"

// RequireIntegration skips store tests that start containers. They run
// locally unless -short is set; in CI they need KVBRIDGE_INTEGRATION=1.
func RequireIntegration(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	if os.Getenv("CI") == "" {
		return
	}
	if on, _ := strconv.ParseBool(os.Getenv(IntegrationEnv)); !on {
		t.Skipf("skipping container test in CI (set %s=1 to run)", IntegrationEnv)
	}
}
