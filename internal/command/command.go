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

package command

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alessio/shellescape"
)

// Shell is the interpreter shell strings are handed to
var Shell = []string{"/bin/sh", "-c"}

// Command is either a shell string or an argv list
type Command struct {
	text string
	argv []string
}

// ShellString returns a command interpreted by /bin/sh
func ShellString(text string) Command {
	return Command{text: text}
}

// Argv returns a command executed without a shell
func Argv(args ...string) Command {
	argv := make([]string, len(args))
	copy(argv, args)
	return Command{argv: argv}
}

// IsShell reports whether c is a shell string
func (c Command) IsShell() bool {
	return c.argv == nil
}

// IsZero reports whether c holds nothing to run
func (c Command) IsZero() bool {
	if c.IsShell() {
		return strings.TrimSpace(c.text) == ""
	}
	return len(c.argv) == 0
}

// Resolve returns the argv to dispatch. A shell string is prefixed with a
// cd into chdir; argv commands ignore chdir.
func (c Command) Resolve(chdir string) []string {
	if !c.IsShell() {
		return append([]string(nil), c.argv...)
	}

	text := c.text
	if chdir != "" {
		text = "cd " + shellescape.Quote(chdir) + " && " + text
	}
	return append(append([]string(nil), Shell...), text)
}

// String renders the command for logs
func (c Command) String() string {
	if c.IsShell() {
		return c.text
	}
	return shellescape.QuoteCommand(c.argv)
}

// UnmarshalJSON accepts a JSON string or a list of strings.
func (c *Command) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var argv []string
		if err := json.Unmarshal(data, &argv); err != nil {
			return fmt.Errorf("command list must contain only strings: %w", err)
		}
		*c = Argv(argv...)
		return nil
	}

	var text string
	if err := json.Unmarshal(data, &text); err != nil {
		return fmt.Errorf("command must be a string or a list of strings: %w", err)
	}
	*c = ShellString(text)
	return nil
}

// MarshalJSON writes the form the command was given in.
func (c Command) MarshalJSON() ([]byte, error) {
	if c.IsShell() {
		return json.Marshal(c.text)
	}
	return json.Marshal(c.argv)
}
