// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixed(name string, status Status) Checker {
	return CheckerFunc{
		CheckerName: name,
		Fn: func(context.Context) CheckResult {
			return CheckResult{Status: status}
		},
	}
}

func TestReadyNoCheckers(t *testing.T) {
	m := NewManager("test")
	resp := m.Ready(context.Background())
	assert.True(t, resp.Ready)
	assert.Equal(t, StatusHealthy, resp.Status)
}

func TestReadyAggregation(t *testing.T) {
	tests := []struct {
		name     string
		checkers []Checker
		ready    bool
		status   Status
	}{
		{
			name:     "all healthy",
			checkers: []Checker{fixed("store", StatusHealthy), fixed("pool", StatusHealthy)},
			ready:    true,
			status:   StatusHealthy,
		},
		{
			name:     "degraded stays ready",
			checkers: []Checker{fixed("store", StatusHealthy), fixed("queue", StatusDegraded)},
			ready:    true,
			status:   StatusDegraded,
		},
		{
			name:     "unhealthy not ready",
			checkers: []Checker{fixed("store", StatusUnhealthy), fixed("queue", StatusDegraded)},
			ready:    false,
			status:   StatusUnhealthy,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager("test")
			for _, c := range tt.checkers {
				m.RegisterChecker(c)
			}
			resp := m.Ready(context.Background())
			assert.Equal(t, tt.ready, resp.Ready)
			assert.Equal(t, tt.status, resp.Status)
			assert.Len(t, resp.Checks, len(tt.checkers))
		})
	}
}

func TestHealthAlways200(t *testing.T) {
	m := NewManager("test")
	m.RegisterChecker(fixed("store", StatusUnhealthy))

	rec := httptest.NewRecorder()
	m.ServeHealth(rec, httptest.NewRequest("GET", "/healthz?verbose=true", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "unhealthy")
}

func TestServeReady503(t *testing.T) {
	m := NewManager("test")
	m.RegisterChecker(fixed("pool", StatusUnhealthy))

	rec := httptest.NewRecorder()
	m.ServeReady(rec, httptest.NewRequest("GET", "/readyz", nil))
	require.Equal(t, 503, rec.Code)
}
