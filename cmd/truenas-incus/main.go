/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/projectbeskar/truenas-incus/internal/module"
	"github.com/projectbeskar/truenas-incus/internal/obs/tracing"
	"github.com/projectbeskar/truenas-incus/internal/version"
)

var (
	configPath string
	apiURL     string
	apiKey     string
	insecure   bool
	output     string
)

// exitError carries a process exit code without printing anything
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	rootCmd := newRootCommand()

	if err := rootCmd.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "truenas-incus",
		Short:         "Manage Incus instances on TrueNAS SCALE",
		Long:          "Command-line interface for reconciling Incus instances and running guarded commands through the TrueNAS SCALE API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (defaults to $TRUENAS_INCUS_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "TrueNAS API root, e.g. https://nas.lan/api/v2.0")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "TrueNAS API key (defaults to $TRUENAS_API_KEY)")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", true, "Skip TLS certificate verification")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format (table|json|yaml)")

	rootCmd.AddCommand(
		newInstanceCommand(),
		newExecCommand(),
		newListCommand(),
		newHealthCommand(),
		newSimulateCommand(),
		newVersionCommand(),
	)

	return rootCmd
}

// newRuntime builds the shared runtime from the global flags
func newRuntime(cmd *cobra.Command) (*module.Runtime, context.Context, error) {
	conn := module.Connection{URL: apiURL, Key: apiKey}
	if cmd.Flags().Changed("insecure") {
		conn.Insecure = &insecure
	}
	return module.NewRuntime(cmd.Context(), tracing.ServiceCLI, configPath, conn)
}

// printStructured writes v as JSON or YAML
func printStructured(w io.Writer, v interface{}) error {
	switch output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		data, err := yaml.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode YAML: %w", err)
		}
		_, err = w.Write(data)
		return err
	default:
		return fmt.Errorf("unsupported output format %q", output)
	}
}

// newVersionCommand creates the version command.
func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "truenas-incus version: %s\n", version.String())
			fmt.Fprintf(cmd.OutOrStdout(), "Git SHA: %s\n", version.GitSHA)
		},
	}
}
