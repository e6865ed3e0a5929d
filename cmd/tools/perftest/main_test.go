package main

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPercentile(t *testing.T) {
	var sorted []time.Duration
	for i := 1; i <= 100; i++ {
		sorted = append(sorted, time.Duration(i)*time.Millisecond)
	}

	assert.Equal(t, 50*time.Millisecond, percentile(sorted, 50))
	assert.Equal(t, 95*time.Millisecond, percentile(sorted, 95))
	assert.Equal(t, 99*time.Millisecond, percentile(sorted, 99))
	assert.Zero(t, percentile(nil, 50))
}

func TestStatsReport(t *testing.T) {
	start := time.Now()
	stats := &PerfStats{StatusCodes: map[int]int64{}, StartTime: start, EndTime: start.Add(2 * time.Second)}

	stats.add(Result{Duration: 3 * time.Millisecond, StatusCode: http.StatusOK})
	stats.add(Result{Duration: 1 * time.Millisecond, StatusCode: http.StatusAccepted})
	stats.add(Result{Duration: 2 * time.Millisecond, StatusCode: http.StatusServiceUnavailable})
	stats.add(Result{Error: errors.New("connection refused")})

	report := stats.report()
	assert.Equal(t, int64(4), report.Requests)
	assert.Equal(t, int64(1), report.Stored)
	assert.Equal(t, int64(1), report.Buffered)
	assert.Equal(t, int64(2), report.Failed)
	assert.Equal(t, 3*time.Millisecond, report.Max)
	assert.InDelta(t, 2.0, report.RequestsPerSec, 0.001)
	assert.Equal(t, int64(1), report.StatusCodes[http.StatusServiceUnavailable])
}

func TestSplitProjects(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitProjects(" a, ,b "))
	assert.Equal(t, []string{"proj_perf"}, splitProjects(""))
}

func TestGenerateBeacon(t *testing.T) {
	cfg := &PerfConfig{Projects: []string{"proj_x"}}
	for i := 0; i < 20; i++ {
		b := generateBeacon(cfg, 1)
		assert.Equal(t, "proj_x", b.ProjectID)
		assert.NotEmpty(t, b.Path)
	}
}
