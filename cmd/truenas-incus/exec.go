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

	"github.com/spf13/cobra"

	"github.com/projectbeskar/truenas-incus/internal/command"
)

func newExecCommand() *cobra.Command {
	var (
		shell     string
		creates   string
		removes   string
		chdir     string
		timeout   int
		env       map[string]string
		checkMode bool
	)

	cmd := &cobra.Command{
		Use:   "exec <name> [-- argv...]",
		Short: "Run a guarded command inside an instance",
		Example: `  truenas-incus exec pxe --shell 'apt-get install -y dnsmasq' --creates /usr/sbin/dnsmasq
  truenas-incus exec pxe --chdir /srv/tftp --shell 'wget -q http://boot.ipxe.org/undionly.kpxe'
  truenas-incus exec pxe -- systemctl restart dnsmasq`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var c command.Command
			switch {
			case shell != "" && len(args) > 1:
				return fmt.Errorf("--shell and an argv command are mutually exclusive")
			case shell != "":
				c = command.ShellString(shell)
			case len(args) > 1:
				c = command.Argv(args[1:]...)
			default:
				return fmt.Errorf("a command is required: use --shell or -- argv")
			}

			rt, ctx, err := newRuntime(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			result, err := command.NewExecutor(rt.Client).Execute(ctx, &command.Request{
				Instance:    args[0],
				Command:     c,
				Creates:     creates,
				Removes:     removes,
				Chdir:       chdir,
				Timeout:     timeout,
				Environment: env,
			}, checkMode)
			if err != nil {
				return err
			}

			if output != "table" {
				if err := printStructured(cmd.OutOrStdout(), result); err != nil {
					return err
				}
			} else {
				fmt.Fprint(cmd.OutOrStdout(), result.Stdout)
				fmt.Fprint(cmd.ErrOrStderr(), result.Stderr)
				if result.Msg != "" {
					fmt.Fprintln(cmd.ErrOrStderr(), result.Msg)
				}
			}

			if result.Failed() {
				return &exitError{code: result.RC}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&shell, "shell", "", "Command text run by /bin/sh -c")
	cmd.Flags().StringVar(&creates, "creates", "", "Skip when this path exists in the instance")
	cmd.Flags().StringVar(&removes, "removes", "", "Skip when this path does not exist in the instance")
	cmd.Flags().StringVar(&chdir, "chdir", "", "Directory to run a shell command in")
	cmd.Flags().IntVar(&timeout, "timeout", command.DefaultTimeout, "Command timeout in seconds")
	cmd.Flags().StringToStringVar(&env, "env", nil, "Environment variable key=value, repeatable")
	cmd.Flags().BoolVar(&checkMode, "check", false, "Evaluate guards without running the command")

	return cmd
}
