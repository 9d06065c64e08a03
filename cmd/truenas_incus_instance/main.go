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

// Command truenas_incus_instance is an Ansible binary module. Ansible invokes it
// with the path of a JSON arguments file and reads one JSON result from stdout.
package main

import (
	"fmt"
	"os"

	"github.com/projectbeskar/truenas-incus/internal/module"
	"github.com/projectbeskar/truenas-incus/internal/obs/tracing"
	"github.com/projectbeskar/truenas-incus/internal/version"
)

func main() {
	// Handle --version flag
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Println("truenas_incus_instance", version.String())
		os.Exit(0)
	}

	os.Exit(module.Main(os.Args, os.Stdout, tracing.ServiceInstanceModule, module.RunInstance))
}
