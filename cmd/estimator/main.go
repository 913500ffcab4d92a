// Package main is the single-binary entrypoint for the estimator backend.
package main

import "github.com/car-repair/estimator/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
