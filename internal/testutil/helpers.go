package testutil

import (
	"os"
	"testing"
)

// RequireVM skips the test if the LESHY_VM_TEST environment variable is not set.
// This ensures that tests requiring real kernel capabilities (netlink route
// table manipulation, network namespaces) are only run in the proper
// environment.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv("LESHY_VM_TEST") == "" {
		t.Skip("Skipping test: requires LESHY_VM_TEST environment")
	}
}
