//go:build !integration

package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/charlie-tr1/internal/model"
)

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	done := now.Add(2 * time.Minute)
	runs := []model.Run{
		{
			ID:         "abc12345-6789-0000-0000-000000000000",
			Name:       "charlie-2024-06-14",
			Seed:       1234,
			Status:     model.RunStatusSuccess,
			StartedAt:  now,
			FinishedAt: &done,
			Artifacts:  map[string]int{model.ArtifactSamples: 3, model.ArtifactLabels: 3},
		},
		{
			ID:        "def12345-6789-0000-0000-000000000000",
			Name:      "a-very-long-run-name-that-keeps-going-on",
			Status:    model.RunStatusRunning,
			StartedAt: now.Add(-time.Hour),
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	output := buf.String()
	assert.Contains(t, output, "ID")
	assert.Contains(t, output, "STATUS")
	assert.Contains(t, output, "charlie-2024-06-14")
	assert.Contains(t, output, "success")
	assert.Contains(t, output, "running")
	assert.Contains(t, output, "2025-06-15 10:30")
	assert.Contains(t, output, "abc12345")
	assert.Contains(t, output, "2m0s")
	assert.Contains(t, output, "a-very-long-run-name-that-k...")
	assert.NotContains(t, output, "def12345-6789")
}

func TestFormatRunDetail(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	run := &model.Run{
		ID:        "run-1",
		Name:      "charlie-2024-06-14",
		Status:    model.RunStatusFailed,
		StartedAt: now,
		Artifacts: map[string]int{model.ArtifactSamples: 2, model.ArtifactNormalized: 5},
		Meta:      map[string]any{"failure_fraction": 0.5},
	}
	failures := []model.UnitFailure{{
		RunID: "run-1", Ticker: "MSFT", AsOfDate: time.Date(2024, 6, 14, 0, 0, 0, 0, time.UTC),
		ErrorKind: model.KindBranchMissing, Message: "branch did not report",
	}}

	var buf bytes.Buffer
	formatRunDetail(&buf, run, failures)
	out := buf.String()
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, model.ArtifactSamples)
	assert.Contains(t, out, "0.5")
	assert.Contains(t, out, "Failed units (1)")
	assert.Contains(t, out, "MSFT")
	assert.Contains(t, out, "2024-06-14")
	assert.Contains(t, out, model.KindBranchMissing)

	buf.Reset()
	formatRunDetail(&buf, &model.Run{ID: "run-2", Status: model.RunStatusSuccess, StartedAt: now}, nil)
	assert.NotContains(t, buf.String(), "Failed units")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789"))
	assert.Equal(t, "short", truncateID("short"))
}
