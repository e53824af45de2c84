// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordTransition("persisted")
	m.RecordParse("one", "success", 20*time.Millisecond)
	m.RecordExtractorCall("html", errors.New("boom"))
	m.RecordJob("queued", 1)
	m.RecordJob("done", -1)
	m.RecordLockConflict("persist")
	m.EventDropped()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionTransitions.WithLabelValues("persisted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ExtractorCalls.WithLabelValues("html", "error")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveCascadeJobs))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProgressDropped))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_NilReceiverIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordTransition("created")
		m.RecordParse("batch", "failure", time.Second)
		m.RecordJob("failed", -1)
		m.WorkerAcquired()
		m.WorkerReleased()
		m.SubscriberDelta(1)
		m.EventDropped()
	})
}
