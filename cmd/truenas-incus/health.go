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
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/projectbeskar/truenas-incus/internal/obs/health"
	"github.com/projectbeskar/truenas-incus/internal/truenas/api"
	"github.com/projectbeskar/truenas-incus/internal/truenas/errors"
)

func newHealthCommand() *cobra.Command {
	var (
		instance string
		timeout  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check connectivity and credentials against the TrueNAS API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			checker := health.NewChecker(timeout)
			checker.Register("tcp", health.TCPCheck(rt.Config.API.URL))
			checker.Register("api", func(ctx context.Context) error {
				_, err := rt.Client.ListInstances(ctx)
				return err
			})
			if instance != "" {
				checker.Register("instance", func(ctx context.Context) error {
					inst, err := rt.Client.FindInstance(ctx, instance)
					if err != nil {
						return err
					}
					if inst == nil {
						return errors.NewNotFound(instance)
					}
					if !inst.HasStatus(api.StatusRunning) {
						return fmt.Errorf("instance %s is %s", instance, inst.Status)
					}
					return nil
				})
			}

			report := checker.Run(ctx)

			if output != "table" {
				if err := printStructured(cmd.OutOrStdout(), report); err != nil {
					return err
				}
			} else {
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "%-10s %-10s %s\n", "CHECK", "STATUS", "MESSAGE")
				for _, c := range report.Checks {
					fmt.Fprintf(w, "%-10s %-10s %s\n", c.Name, c.Status, c.Message)
				}
			}

			if !report.Healthy() {
				return &exitError{code: 1}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&instance, "instance", "", "Also require this instance to be running")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Per-check timeout")

	return cmd
}
