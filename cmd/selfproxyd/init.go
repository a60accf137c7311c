package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/badscrew/selfproxy/internal/wizard"
)

func initCmd() *cobra.Command {
	var (
		configPath string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactively generate a config.yaml",
		Long: `Run an interactive wizard that asks for the SOCKS5 upstream,
tunnel device, timeouts, logging, and observability settings, then
writes a validated config.yaml.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("init requires an interactive terminal")
			}

			w := wizard.New()
			if _, err := os.Stat(configPath); err == nil {
				if err := w.LoadExisting(configPath); err != nil {
					return err
				}
			}

			cfg, err := w.Run()
			if err != nil {
				return err
			}

			if err := wizard.WriteConfig(cfg, configPath, force); err != nil {
				return err
			}

			fmt.Printf("Wrote %s\n", configPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to write the generated config")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config file")

	return cmd
}
