package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealthWithoutReporter(t *testing.T) {
	st := GetHealthStatus(nil, time.Now())
	assert.False(t, st.Enabled)
	assert.True(t, st.Healthy)
	assert.NotEmpty(t, st.Issues)
}

func TestHealthDisconnectedReporter(t *testing.T) {
	r := newTestReporter(t, testReporterConfig(4739), nil)

	st := GetHealthStatus(r, time.Now())
	assert.True(t, st.Enabled)
	assert.False(t, st.Healthy)
	assert.Equal(t, "disconnected", st.State)
	assert.Contains(t, st.Issues, "PSKReporter: transport is disconnected")
}

func TestDiagnostics(t *testing.T) {
	diag := GetDiagnostics(nil, time.Now())
	assert.Equal(t, Version, diag.Version)
	assert.False(t, diag.Enabled)
}
