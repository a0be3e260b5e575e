package main

import (
	"fmt"
	"os"

	"github.com/3leaps/whirr/internal/cmd"
)

// version, commit, and buildDate are stamped at build time via
// -ldflags "-X main.version=... -X main.commit=... -X main.buildDate=...".
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)
	cmd.SetAppIdentity(&cmd.AppIdentity{
		BinaryName: "whirr",
		EnvPrefix:  "WHIRR",
		ConfigName: "config",
	})

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
