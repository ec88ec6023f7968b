package domain

import (
	"encoding/json"
	"time"
)

// Agent status values written by the projection.
const (
	StatusOnline       = "online"
	StatusOffline      = "offline"
	StatusError        = "error"
	StatusBusy         = "busy"
	StatusThinking     = "thinking"
	StatusReady        = "ready"
	StatusInitializing = "initializing"
)

// Event is one entry of the global log. Seq is the only ordering key;
// CreatedAt drives retention.
type Event struct {
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	SubjectID string          `json:"subjectId"`
	Payload   json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"timestamp"`
}

// AgentState is the current derived state of one agent.
type AgentState struct {
	AgentID         string     `json:"agentId"`
	ServerID        string     `json:"serverId,omitempty"`
	Framework       string     `json:"framework,omitempty"`
	Language        string     `json:"language,omitempty"`
	Role            string     `json:"role,omitempty"`
	Status          string     `json:"status" enum:"online,offline,error,busy,thinking,ready,initializing"`
	CurrentActivity string     `json:"currentActivity,omitempty"`
	CurrentTool     string     `json:"currentTool,omitempty"`
	ToolStartedAt   *time.Time `json:"toolStartedAt,omitempty"`
	CurrentTaskID   string     `json:"currentTaskId,omitempty"`
	MemoryID        string     `json:"memoryId,omitempty"`
	LastActivity    time.Time  `json:"lastActivity"`
	LastSeq         int64      `json:"lastSeq"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// Snapshot is the full AgentState set as of watermark Seq.
type Snapshot struct {
	SnapshotID string       `json:"snapshotId"`
	Seq        int64        `json:"seq"`
	Agents     []AgentState `json:"data"`
	CreatedAt  time.Time    `json:"createdAt"`
	ExpiresAt  time.Time    `json:"expiresAt"`
}

// SnapshotInfo describes a stored snapshot without its rows.
type SnapshotInfo struct {
	SnapshotID string    `json:"snapshotId"`
	Seq        int64     `json:"seq"`
	Encoding   string    `json:"encoding"`
	Checksum   string    `json:"checksum"`
	AgentCount int       `json:"agentCount"`
	Size       int       `json:"size"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Envelope is the wire message an agent SDK sends.
type Envelope struct {
	Protocol  string        `json:"protocol,omitempty"`
	Version   string        `json:"version,omitempty"`
	Timestamp string        `json:"timestamp,omitempty"`
	Source    Source        `json:"source"`
	Event     EnvelopeEvent `json:"event"`
	Metadata  *Metadata     `json:"metadata,omitempty"`
}

type Source struct {
	ServerID  string `json:"server_id,omitempty"`
	AgentID   string `json:"agent_id"`
	Framework string `json:"framework,omitempty"`
	Language  string `json:"language,omitempty"`
	ProcessID int    `json:"process_id,omitempty"`
}

type EnvelopeEvent struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

type Metadata struct {
	Hostname  string   `json:"hostname,omitempty"`
	IPAddress string   `json:"ip_address,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// Payload is what the log stores for an agent event: enough to replay the
// fold without the rest of the envelope.
type Payload struct {
	Source PayloadSource  `json:"source"`
	Data   map[string]any `json:"data,omitempty"`
}

type PayloadSource struct {
	ServerID  string `json:"server_id,omitempty"`
	Framework string `json:"framework,omitempty"`
	Language  string `json:"language,omitempty"`
}

// PayloadFromEnvelope extracts the log payload from an envelope.
func PayloadFromEnvelope(env Envelope) Payload {
	return Payload{
		Source: PayloadSource{
			ServerID:  env.Source.ServerID,
			Framework: env.Source.Framework,
			Language:  env.Source.Language,
		},
		Data: env.Event.Data,
	}
}

// StatusCount is one row of the agent stats rollup.
type StatusCount struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// Notice is emitted after an event commits.
type Notice struct {
	Seq       int64       `json:"seq"`
	Type      string      `json:"type"`
	SubjectID string      `json:"subjectId"`
	State     *AgentState `json:"state,omitempty"`
}
