package main

import (
	"os"

	"github.com/kmemscope/kmemscope/cmd/kmemscope/cmds"
	"github.com/kmemscope/kmemscope/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.KmemscopeVersion.Build = Build
	}
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
