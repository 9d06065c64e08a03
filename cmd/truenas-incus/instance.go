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
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/projectbeskar/truenas-incus/internal/reconcile"
	"github.com/projectbeskar/truenas-incus/internal/truenas/api"
)

func newInstanceCommand() *cobra.Command {
	var (
		state       string
		kind        string
		image       string
		imageServer string
		sourceType  string
		config      map[string]string
		devices     []string
		timeout     time.Duration
		checkMode   bool
	)

	cmd := &cobra.Command{
		Use:     "instance <name>",
		Aliases: []string{"inst"},
		Short:   "Reconcile an instance to a desired state",
		Example: `  truenas-incus instance pxe --state present --image debian/12 --config boot.autostart=true
  truenas-incus instance pxe --state restarted
  truenas-incus instance pxe --state absent --check`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desired, err := reconcile.ParseState(state)
			if err != nil {
				return err
			}

			spec := &reconcile.InstanceSpec{
				Name:   args[0],
				Kind:   api.InstanceKind(strings.ToUpper(kind)),
				Config: config,
			}
			if image != "" || sourceType != "" {
				spec.Source = &api.Source{
					Type:   api.SourceType(strings.ToUpper(sourceType)),
					Alias:  image,
					Server: imageServer,
				}
			}
			spec.Devices, err = parseDevices(devices)
			if err != nil {
				return err
			}

			rt, ctx, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			reconciler := reconcile.New(rt.Client, reconcile.WithPollInterval(rt.Config.API.PollInterval))
			result, err := reconciler.Reconcile(ctx, spec, desired, reconcile.Options{
				Timeout:   timeout,
				CheckMode: checkMode,
			})
			if err != nil {
				return err
			}

			if output != "table" {
				return printStructured(cmd.OutOrStdout(), map[string]interface{}{
					"changed":  result.Changed,
					"instance": result.Instance,
				})
			}

			verb := "unchanged"
			if result.Changed {
				verb = "changed"
				if checkMode {
					verb = "would change"
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "instance %s %s (state %s)\n", args[0], verb, desired)
			if result.Instance != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "ID: %s\nStatus: %s\nType: %s\n",
					result.Instance.ID, result.Instance.Status, result.Instance.Kind)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "present", "Desired state (present|absent|started|stopped|restarted)")
	cmd.Flags().StringVar(&kind, "type", "CONTAINER", "Instance type (CONTAINER|VM)")
	cmd.Flags().StringVar(&image, "image", "", "Image alias to create from, e.g. debian/12")
	cmd.Flags().StringVar(&imageServer, "image-server", "", "Image server (default "+api.DefaultImageServer+")")
	cmd.Flags().StringVar(&sourceType, "source-type", "", "Source type (IMAGE|MIGRATION|COPY|NONE)")
	cmd.Flags().StringToStringVar(&config, "set", nil, "Instance config key=value, repeatable")
	cmd.Flags().StringArrayVar(&devices, "device", nil, "Device as name=key=value,key=value, repeatable")
	cmd.Flags().DurationVar(&timeout, "timeout", reconcile.DefaultTimeout, "How long to wait for the target status")
	cmd.Flags().BoolVar(&checkMode, "check", false, "Report what would change without changing it")

	return cmd
}

// parseDevices parses name=key=value,key=value device flags
func parseDevices(flags []string) (map[string]api.Device, error) {
	if len(flags) == 0 {
		return nil, nil
	}

	devices := make(map[string]api.Device, len(flags))
	for _, flag := range flags {
		name, rest, ok := strings.Cut(flag, "=")
		if !ok || name == "" || rest == "" {
			return nil, fmt.Errorf("invalid device %q: expected name=key=value,...", flag)
		}

		dev := api.Device{}
		for _, pair := range strings.Split(rest, ",") {
			key, value, ok := strings.Cut(pair, "=")
			if !ok || key == "" {
				return nil, fmt.Errorf("invalid device %q: %q is not key=value", flag, pair)
			}
			dev[key] = value
		}
		devices[name] = dev
	}
	return devices, nil
}
