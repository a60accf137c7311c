// Package main provides the CLI entry point for selfproxyd, the
// userspace packet router that bridges a TUN device to an upstream
// SOCKS5 proxy.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "selfproxyd",
		Short:   "Userspace packet router that bridges a TUN device to a SOCKS5 proxy",
		Version: version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
