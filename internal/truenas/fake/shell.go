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

package fake

import (
	"os"
	"path"
	"strings"

	"github.com/google/shlex"
	"k8s.io/apimachinery/pkg/util/sets"
)

type execResult struct {
	stdout string
	stderr string
	rc     int
}

// shell is a tiny interpreter over an instance's simulated filesystem. It
// understands enough of sh for guard probes and typical provisioning steps;
// unknown programs succeed without output.
type shell struct {
	files  sets.Set[string]
	env    map[string]string
	cwd    string
	stdout strings.Builder
	stderr strings.Builder
}

func (sh *shell) run(argv []string) execResult {
	var rc int
	if len(argv) >= 3 && (argv[0] == "/bin/sh" || argv[0] == "sh") && argv[1] == "-c" {
		rc = sh.script(argv[2])
	} else {
		rc = sh.builtin(argv)
	}
	return execResult{stdout: sh.stdout.String(), stderr: sh.stderr.String(), rc: rc}
}

// script runs lines and ';' separated lists, honoring '&&' short-circuits
func (sh *shell) script(text string) int {
	rc := 0
	for _, line := range strings.Split(text, "\n") {
		for _, list := range strings.Split(line, ";") {
			list = strings.TrimSpace(list)
			if list == "" {
				continue
			}
			var exited bool
			rc, exited = sh.andList(list)
			if exited {
				return rc
			}
		}
	}
	return rc
}

func (sh *shell) andList(list string) (rc int, exited bool) {
	for _, part := range strings.Split(list, "&&") {
		args, err := shlex.Split(sh.expand(part))
		if err != nil {
			sh.stderr.WriteString("sh: syntax error: " + err.Error() + "\n")
			return 2, true
		}
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" {
			code := 0
			if len(args) > 1 {
				code = atoi(args[1])
			}
			return code, true
		}
		rc = sh.builtin(args)
		if rc != 0 {
			return rc, false
		}
	}
	return rc, false
}

func (sh *shell) expand(s string) string {
	return os.Expand(s, func(name string) string {
		return sh.env[name]
	})
}

func (sh *shell) abs(p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(sh.cwd, p)
}

func (sh *shell) builtin(args []string) int {
	if len(args) == 0 {
		return 0
	}

	switch args[0] {
	case "true", ":":
		return 0
	case "false":
		return 1
	case "test", "[":
		return sh.test(args[1:])
	case "echo":
		sh.stdout.WriteString(strings.Join(args[1:], " ") + "\n")
		return 0
	case "pwd":
		sh.stdout.WriteString(sh.cwd + "\n")
		return 0
	case "cd":
		dir := "/root"
		if len(args) > 1 {
			dir = sh.abs(args[1])
		}
		if !sh.files.Has(dir) {
			sh.stderr.WriteString("sh: cd: can't cd to " + args[len(args)-1] + "\n")
			return 2
		}
		sh.cwd = dir
		return 0
	case "touch":
		for _, p := range operands(args[1:]) {
			sh.files.Insert(sh.abs(p))
		}
		return 0
	case "mkdir":
		for _, p := range operands(args[1:]) {
			// Parents are created unconditionally.
			for dir := sh.abs(p); dir != "/"; dir = path.Dir(dir) {
				sh.files.Insert(dir)
			}
		}
		return 0
	case "rm":
		rc := 0
		force := hasFlag(args[1:], 'f')
		for _, p := range operands(args[1:]) {
			target := sh.abs(p)
			if !sh.files.Has(target) {
				if !force {
					sh.stderr.WriteString("rm: can't remove '" + p + "': No such file or directory\n")
					rc = 1
				}
				continue
			}
			for _, f := range sh.files.UnsortedList() {
				if f == target || strings.HasPrefix(f, target+"/") {
					sh.files.Delete(f)
				}
			}
		}
		return rc
	case "mv":
		ops := operands(args[1:])
		if len(ops) != 2 {
			sh.stderr.WriteString("mv: missing operand\n")
			return 1
		}
		from, to := sh.abs(ops[0]), sh.abs(ops[1])
		if !sh.files.Has(from) {
			sh.stderr.WriteString("mv: can't rename '" + ops[0] + "': No such file or directory\n")
			return 1
		}
		sh.files.Delete(from)
		sh.files.Insert(to)
		return 0
	case "cat":
		for _, p := range operands(args[1:]) {
			if !sh.files.Has(sh.abs(p)) {
				sh.stderr.WriteString("cat: can't open '" + p + "': No such file or directory\n")
				return 1
			}
		}
		return 0
	}

	return 0
}

func (sh *shell) test(args []string) int {
	if len(args) > 0 && args[len(args)-1] == "]" {
		args = args[:len(args)-1]
	}
	if len(args) != 2 {
		return 2
	}
	switch args[0] {
	case "-e", "-f", "-d":
		if sh.files.Has(sh.abs(args[1])) {
			return 0
		}
		return 1
	case "-n":
		if args[1] != "" {
			return 0
		}
		return 1
	case "-z":
		if args[1] == "" {
			return 0
		}
		return 1
	}
	return 2
}

func operands(args []string) []string {
	var out []string
	for _, a := range args {
		if strings.HasPrefix(a, "-") && len(a) > 1 {
			continue
		}
		out = append(out, a)
	}
	return out
}

func hasFlag(args []string, flag rune) bool {
	for _, a := range args {
		if strings.HasPrefix(a, "-") && strings.ContainsRune(a[1:], flag) {
			return true
		}
	}
	return false
}

func atoi(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 2
		}
		n = n*10 + int(r-'0')
	}
	return n
}
