// Package cmd provides the command-line interface commands for connpool.
package cmd

import (
	"fmt"
	"runtime"

	"connpool/pkg/helper/banner"

	"github.com/spf13/cobra"
)

// newVersionCmd creates a new version command
func newVersionCmd() *cobra.Command {
	var showBanner bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Display version information",
		Long:  `Displays the version and build information for this installation of connpool`,
		Run: func(cmd *cobra.Command, args []string) {
			if showBanner {
				banner.Version = version
				banner.GitCommit = gitCommit
				banner.BuildTime = buildTime
				banner.Print()
			} else {
				fmt.Printf("connpool %s\n", version)
				fmt.Printf("Git Commit: %s\n", gitCommit)
				fmt.Printf("Build Time: %s\n", buildTime)
				fmt.Printf("Go Version: %s\n", runtime.Version())
				fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
			}
		},
	}

	cmd.Flags().BoolVar(&showBanner, "banner", false, "Display ASCII banner with version info")

	return cmd
}

// newHealthCheckCmd creates a health-check command for containers, doing
// a trivial liveness check independent of the introspection server.
func newHealthCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health-check",
		Short: "Perform a liveness check",
		Long:  `Performs a liveness check suitable for container health checks`,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("OK")
		},
	}
}
