// Package assets holds the documents compiled into the binary.
package assets

import _ "embed"

// DefaultGraph is the built-in scene graph and subject catalog.
//
//go:embed graph.yaml
var DefaultGraph []byte
