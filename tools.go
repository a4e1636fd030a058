//go:build tools
// +build tools

// Package marketchat pins the code generators used by go generate (mockgen)
// so go.mod and go.sum track them.
package marketchat

import (
	_ "go.uber.org/mock/mockgen"
)
