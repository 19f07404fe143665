package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fuelwise/fuel-ingest/internal/model"
)

func TestFormatUploadsList(t *testing.T) {
	now := time.Date(2024, 3, 10, 6, 0, 0, 0, time.UTC)
	events := []model.UploadEvent{
		{
			ID:         "abc12345-6789-0000-0000-000000000000",
			TemplateID: 3,
			Source:     model.SourceScheduled,
			Status:     model.StatusPartial,
			Total:      10,
			Created:    9,
			Failed:     1,
			DurationMs: 2500,
			Message:    "10 records: 9 created, 0 skipped, 1 failed",
			StartedAt:  now,
		},
		{
			ID:         "def12345-6789-0000-0000-000000000000",
			TemplateID: 4,
			Source:     model.SourceManual,
			Status:     model.StatusFailed,
			Message:    "provider temporarily unavailable (circuit open)",
			StartedAt:  now.Add(-time.Hour),
		},
	}

	var buf bytes.Buffer
	formatUploadsList(&buf, events)

	out := buf.String()
	assert.Contains(t, out, "TEMPLATE")
	assert.Contains(t, out, "abc12345")
	assert.NotContains(t, out, "abc12345-6789")
	assert.Contains(t, out, "scheduled")
	assert.Contains(t, out, "partial")
	assert.Contains(t, out, "2024-03-10 06:00")
	assert.Contains(t, out, "3s")
	assert.Contains(t, out, "circuit open")
}

func TestComputeUploadStats(t *testing.T) {
	now := time.Date(2024, 3, 10, 6, 0, 0, 0, time.UTC)
	events := []model.UploadEvent{
		{Status: model.StatusSuccess, Source: model.SourceScheduled, Total: 5, Created: 3, Skipped: 2, DurationMs: 1000, StartedAt: now},
		{Status: model.StatusPartial, Source: model.SourceManual, Total: 4, Created: 3, Failed: 1, DurationMs: 3000, StartedAt: now.Add(-time.Hour)},
		{Status: model.StatusFailed, Source: model.SourceScheduled, DurationMs: 2000, StartedAt: now.Add(-48 * time.Hour)},
	}

	s := computeUploadStats(events, time.Time{})
	assert.Equal(t, 3, s.Uploads)
	assert.Equal(t, 1, s.Success)
	assert.Equal(t, 1, s.Partial)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 2, s.Scheduled)
	assert.Equal(t, 9, s.Records)
	assert.Equal(t, 6, s.Created)
	assert.Equal(t, 2, s.Skipped)
	assert.Equal(t, 1, s.Rejected)
	assert.InDelta(t, 2000.0, s.AvgDurMs, 0.001)

	s = computeUploadStats(events, now.Add(-24*time.Hour))
	assert.Equal(t, 2, s.Uploads)
	assert.Equal(t, 0, s.Failed)
	assert.InDelta(t, 2000.0, s.AvgDurMs, 0.001)
}

func TestComputeUploadStats_Empty(t *testing.T) {
	s := computeUploadStats(nil, time.Time{})
	assert.Zero(t, s.Uploads)
	assert.Zero(t, s.AvgDurMs)
}

func TestFormatUploadStats(t *testing.T) {
	var buf bytes.Buffer
	formatUploadStats(&buf, uploadStats{Uploads: 4, Success: 3, Failed: 1, Records: 20, Created: 18, Rejected: 2, AvgDurMs: 1500})

	out := buf.String()
	assert.Contains(t, out, "Uploads:")
	assert.Contains(t, out, "Rejected:")
	assert.Contains(t, out, "1.5s")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "Газпромн...", truncate("Газпромнефть-Корпоративные продажи", 11))
	assert.Equal(t, "abcdef12", truncateID("abcdef12-3456"))
	assert.Equal(t, "abc", truncateID("abc"))
}
