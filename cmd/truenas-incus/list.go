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
	"sort"

	"github.com/spf13/cobra"
)

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List instances",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			instances, err := rt.Client.ListInstances(ctx)
			if err != nil {
				return err
			}
			sort.Slice(instances, func(i, j int) bool { return instances[i].Name < instances[j].Name })

			if output != "table" {
				return printStructured(cmd.OutOrStdout(), instances)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-24s %-10s %-12s %-10s\n", "NAME", "ID", "TYPE", "STATUS")
			for _, inst := range instances {
				fmt.Fprintf(w, "%-24s %-10s %-12s %-10s\n", inst.Name, inst.ID, inst.Kind, inst.Status)
			}
			return nil
		},
	}
}
