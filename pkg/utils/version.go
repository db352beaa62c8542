// Package utils holds small one-off helpers that don't warrant a package of
// their own.
package utils

// Build metadata, injected at link time via -ldflags. The zero values are
// what a plain `go build` produces.
var (
	Version   = "dev"
	Sha       = "HEAD"
	Buildtime = "dev"
)
