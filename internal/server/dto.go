package server

import (
	"time"

	"fleetwatch/internal/domain"
	"fleetwatch/internal/engine"
)

type HealthResponse struct {
	Status    string    `json:"status" example:"ok"`
	MaxSeq    int64     `json:"maxSeq"`
	Timestamp time.Time `json:"timestamp"`
}

type IngestResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message" example:"Event received"`
	Seq     int64  `json:"seq"`
}

type BatchResponse struct {
	Success   bool                `json:"success"`
	Received  int                 `json:"received"`
	Processed int                 `json:"processed"`
	Failed    int                 `json:"failed"`
	Message   string              `json:"message" example:"Events processed"`
	LastSeq   int64               `json:"lastSeq,omitempty"`
	Errors    []engine.BatchError `json:"errors"`
}

func batchResponse(res engine.BatchResult) BatchResponse {
	errs := res.Errors
	if errs == nil {
		errs = []engine.BatchError{}
	}
	return BatchResponse{
		Success:   true,
		Received:  res.Received,
		Processed: res.Processed,
		Failed:    res.Failed,
		Message:   "Events processed",
		LastSeq:   res.LastSeq,
		Errors:    errs,
	}
}

type EventsResponse struct {
	Since  int64          `json:"since"`
	Events []domain.Event `json:"events"`
	// MaxSeq is the committed head when the page was read.
	MaxSeq int64 `json:"maxSeq"`
}

type SnapshotGenerated struct {
	Success  bool                `json:"success"`
	Message  string              `json:"message"`
	Snapshot domain.SnapshotInfo `json:"snapshot"`
}

type SnapshotList struct {
	Items []domain.SnapshotInfo `json:"items"`
}

type AgentsResponse struct {
	Agents []domain.AgentState `json:"agents"`
	Total  int                 `json:"total"`
}
