package model

import "time"

// UploadSource identifies what triggered an ingestion run.
type UploadSource string

const (
	SourceManual    UploadSource = "manual"
	SourceScheduled UploadSource = "scheduled"
)

// UploadStatus is the outcome of an ingestion run.
type UploadStatus string

const (
	StatusSuccess UploadStatus = "success"
	StatusPartial UploadStatus = "partial"
	StatusFailed  UploadStatus = "failed"
)

// UploadEvent is the immutable audit record of one ingestion run.
type UploadEvent struct {
	ID         string       `json:"id"`
	TemplateID int64        `json:"template_id"`
	ProviderID int64        `json:"provider_id"`
	Source     UploadSource `json:"source"`
	Status     UploadStatus `json:"status"`
	Total      int          `json:"total"`
	Created    int          `json:"created"`
	Skipped    int          `json:"skipped"`
	Failed     int          `json:"failed"`
	DurationMs int64        `json:"duration_ms"`
	Message    string       `json:"message,omitempty"`
	Errors     []string     `json:"errors,omitempty"`
	DateFrom   time.Time    `json:"date_from"`
	DateTo     time.Time    `json:"date_to"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// UploadFilter narrows ListUploadEvents.
type UploadFilter struct {
	TemplateID int64        `json:"template_id,omitempty"`
	Status     UploadStatus `json:"status,omitempty"`
	Limit      int          `json:"limit,omitempty"`
}
