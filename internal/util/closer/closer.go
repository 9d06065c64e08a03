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

package closer

import (
	"io"

	"github.com/go-logr/logr"
)

// CloseQuietly closes c in a defer and logs a failure at V(1) instead of
// returning it. what names the resource in the log entry.
func CloseQuietly(c io.Closer, logger logr.Logger, what string) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		logger.V(1).Info("Close failed", "resource", what, "error", err.Error())
	}
}

// CloseQuietlyWithoutLogger closes c and drops any error.
func CloseQuietlyWithoutLogger(c io.Closer) {
	if c != nil {
		_ = c.Close() //nolint:errcheck // Intentionally ignored for cleanup
	}
}
