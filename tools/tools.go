//go:build tools

// Package tools pins the CLI tools used during development: goose for
// running migrations by hand and oapi-codegen for generating API clients
// from api/openapi.yaml.
package tools

import (
	_ "github.com/oapi-codegen/oapi-codegen/v2/cmd/oapi-codegen"
	_ "github.com/pressly/goose/v3/cmd/goose"
)
