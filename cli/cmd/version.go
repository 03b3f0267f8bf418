package cmd

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

const esbuildModule = "github.com/evanw/esbuild"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show CLI version information",
	Long:  `Display the version, commit hash, and build date of assetpipe.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("assetpipe %s\n", Version)
		fmt.Printf("Commit: %s\n", Commit)
		fmt.Printf("Build Date: %s\n", BuildDate)
		fmt.Printf("esbuild: %s\n", esbuildVersion())
	},
}

func esbuildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	for _, dep := range info.Deps {
		if dep.Path == esbuildModule {
			return dep.Version
		}
	}
	return "unknown"
}
