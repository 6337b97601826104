//go:build tools
// +build tools

// Developer tooling pinned through go.mod. Install with `go install <path>`.
package tools

import (
	_ "github.com/cweill/gotests/gotests"
	_ "github.com/davidrjenni/reftools/cmd/fillstruct"
	_ "github.com/haya14busa/goplay/cmd/goplay"
	_ "github.com/mdempsky/gocode"
	_ "github.com/sqs/goreturns"
	_ "github.com/stamblerre/gocode"
	_ "golang.org/x/lint/golint"
	_ "golang.org/x/tools/cmd/goimports"
)
