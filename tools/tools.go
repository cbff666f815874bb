//go:build tools
// +build tools

// Package tools documents development tool dependencies.
// These tools are installed globally via `go install` and are not tracked in go.mod
// since they are development tools, not runtime dependencies.
package tools

// Development tools (install via `go install`):
//
// golangci-lint - Lint runner used before every push
//   Install: go install github.com/golangci/golangci-lint/cmd/golangci-lint@v1.64.8
//   Version: v1.64.8 (pinned 2025-03-20)
//   Docs: https://golangci-lint.run
//
// Integration tests against real Postgres and Redis backends are opt-in
// through environment variables; see internal/testutil. Unit tests need no
// tools beyond `go test`.
