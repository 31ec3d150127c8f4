// Package integration provides integration tests that run the session tier
// and the application against a real Redis instance started via
// testcontainers.
//
// Run with: go test -tags=integration ./tests/integration/...
package integration
