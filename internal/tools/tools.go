//go:build tools
// +build tools

// Package tools declares Go tool dependencies so `go mod tidy` keeps them
// in go.sum without them being importable by ordinary build targets.
package tools

import (
	_ "golang.org/x/lint/golint"
	_ "golang.org/x/tools/cmd/stringer"
)
