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
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/projectbeskar/truenas-incus/internal/config"
	"github.com/projectbeskar/truenas-incus/internal/obs/logging"
	"github.com/projectbeskar/truenas-incus/internal/truenas/fake"
)

func newSimulateCommand() *cobra.Command {
	var (
		listen  string
		key     string
		seeds   []string
		pending int
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Serve an in-memory TrueNAS instance API for playbook dry runs",
		Example: `  truenas-incus simulate --listen 127.0.0.1:8443 --seed pxe:CONTAINER:Running
  TRUENAS_API_URL=http://127.0.0.1:8443/api/v2.0 ansible-playbook site.yml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			logger, flush, err := logging.New(&logging.Config{
				Level:       cfg.Log.Level,
				Format:      cfg.Log.Format,
				Development: cfg.Log.Development,
			})
			if err != nil {
				return err
			}
			defer flush()

			server := fake.NewServer(&fake.Config{APIKey: key, PendingLookups: pending})
			server.SetLogger(logger.WithName("simulate"))

			for _, seed := range seeds {
				parts := strings.Split(seed, ":")
				if len(parts) != 3 {
					return fmt.Errorf("invalid seed %q: expected name:type:status", seed)
				}
				server.AddInstance(parts[0], strings.ToUpper(parts[1]), parts[2])
			}

			endpoint, closeServer, err := server.Listen(listen)
			if err != nil {
				return err
			}
			defer closeServer() //nolint:errcheck // shutting down on signal

			fmt.Fprintf(cmd.OutOrStdout(), "Serving fake TrueNAS API at %s\n", endpoint)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			logger.Info("Shutting down", "calls", len(server.Calls()))
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:8443", "Address to listen on")
	cmd.Flags().StringVar(&key, "require-key", "", "Only accept this bearer token")
	cmd.Flags().StringArrayVar(&seeds, "seed", nil, "Seed an instance as name:type:status, repeatable")
	cmd.Flags().IntVar(&pending, "pending-lookups", 0, "Lookups that report a transitional status after power operations")

	return cmd
}
