//go:build tools

// Package tools pins development tools in go.mod so every checkout lints
// with the same golangci-lint. Install with: make install-tools
package tools

import (
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"
)
