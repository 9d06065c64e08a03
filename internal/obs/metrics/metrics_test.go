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

package metrics

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAPIRequest(t *testing.T) {
	before := testutil.ToFloat64(apiRequestsTotal.WithLabelValues("start instance", "POST", "409"))
	RecordAPIRequest("start instance", "POST", 409, 20*time.Millisecond)
	after := testutil.ToFloat64(apiRequestsTotal.WithLabelValues("start instance", "POST", "409"))
	assert.Equal(t, before+1, after)

	RecordAPIRequest("list instances", "GET", 0, time.Millisecond)
	assert.GreaterOrEqual(t, testutil.ToFloat64(apiRequestsTotal.WithLabelValues("list instances", "GET", "error")), 1.0)
}

func TestRecordCounters(t *testing.T) {
	RecordReconcile("started", OutcomeChanged)
	RecordExec(OutcomeSkipped)
	RecordGuardSkip("creates")
	RecordStateWait("Running", true, 4*time.Second)

	assert.GreaterOrEqual(t, testutil.ToFloat64(reconcileTotal.WithLabelValues("started", OutcomeChanged)), 1.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(execTotal.WithLabelValues(OutcomeSkipped)), 1.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(guardSkipsTotal.WithLabelValues("creates")), 1.0)
}

func TestWriteTextfile(t *testing.T) {
	SetBuildInfo("dev", "unknown", "test")

	path := filepath.Join(t.TempDir(), "truenas_incus.prom")
	require.NoError(t, WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "truenas_incus_build_info")

	assert.NoError(t, WriteTextfile(""))
}
