package projection

import (
	"fmt"
	"strings"
	"time"

	"fleetwatch/internal/domain"
)

// Built-in agent event types.
const (
	TypeAgentOnline             = "agent_online"
	TypeAgentOffline            = "agent_offline"
	TypeAgentWorking            = "agent_working"
	TypeAgentError              = "agent_error"
	TypeCrewStarted             = "crew_started"
	TypeCrewCompleted           = "crew_completed"
	TypeCrewFailed              = "crew_failed"
	TypeAgentExecutionStarted   = "agent_execution_started"
	TypeAgentExecutionCompleted = "agent_execution_completed"
	TypeAgentThinking           = "agent_thinking"
	TypeToolUsageStarted        = "tool_usage_started"
	TypeToolUsageFinished       = "tool_usage_finished"
	TypeMemoryAttached          = "memory_attached"
)

func registerBuiltins(r *Registry) {
	r.register(TypeAgentOnline, func(st *domain.AgentState, _ domain.Event, p domain.Payload) {
		st.Status = domain.StatusOnline
		st.CurrentActivity = ""
		if role := str(p.Data, "role"); role != "" {
			st.Role = role
		}
	}, true)

	// An offline notice for an agent never seen is dropped.
	r.register(TypeAgentOffline, func(st *domain.AgentState, _ domain.Event, _ domain.Payload) {
		st.Status = domain.StatusOffline
		st.CurrentActivity = ""
	}, false)

	r.register(TypeAgentWorking, func(st *domain.AgentState, _ domain.Event, p domain.Payload) {
		st.Status = domain.StatusOnline
		st.CurrentActivity = str(p.Data, "task")
	}, true)

	r.register(TypeAgentError, func(st *domain.AgentState, _ domain.Event, p domain.Payload) {
		st.Status = domain.StatusError
		if msg := str(p.Data, "error"); msg != "" {
			st.CurrentActivity = "Error: " + msg
		}
	}, true)

	r.register(TypeCrewStarted, func(st *domain.AgentState, _ domain.Event, _ domain.Payload) {
		st.Status = domain.StatusInitializing
		st.CurrentActivity = "Crew initializing"
	}, true)

	r.register(TypeCrewCompleted, func(st *domain.AgentState, _ domain.Event, _ domain.Payload) {
		st.Status = domain.StatusReady
		st.CurrentActivity = "Crew completed"
	}, true)

	r.register(TypeCrewFailed, func(st *domain.AgentState, _ domain.Event, p domain.Payload) {
		st.Status = domain.StatusError
		st.CurrentActivity = withDetail("Crew failed", ": ", str(p.Data, "error"))
	}, true)

	r.register(TypeAgentExecutionStarted, func(st *domain.AgentState, _ domain.Event, p domain.Payload) {
		st.Status = domain.StatusBusy
		st.CurrentActivity = withDetail("Executing task", ": ", str(p.Data, "task"))
		if id := str(p.Data, "task_id"); id != "" {
			st.CurrentTaskID = id
		}
	}, true)

	r.register(TypeAgentExecutionCompleted, func(st *domain.AgentState, _ domain.Event, _ domain.Payload) {
		st.Status = domain.StatusReady
		st.CurrentActivity = "Task completed"
		st.CurrentTaskID = ""
	}, true)

	r.register(TypeAgentThinking, func(st *domain.AgentState, _ domain.Event, p domain.Payload) {
		if str(p.Data, "action") == "completed" {
			st.Status = domain.StatusOnline
			st.CurrentActivity = "Ready"
			if tokens := str(p.Data, "tokens_used"); tokens != "" {
				st.CurrentActivity = fmt.Sprintf("Ready (tokens: %s)", tokens)
			}
			return
		}
		st.Status = domain.StatusThinking
		st.CurrentActivity = "Thinking"
		if model := str(p.Data, "model"); model != "" {
			st.CurrentActivity = fmt.Sprintf("Thinking (model: %s)", model)
		}
	}, true)

	r.register(TypeToolUsageStarted, func(st *domain.AgentState, evt domain.Event, p domain.Payload) {
		st.Status = domain.StatusBusy
		tool := str(p.Data, "tool_name")
		st.CurrentActivity = withDetail("Using tool", ": ", tool)
		if tool != "" {
			st.CurrentTool = tool
			at := evt.CreatedAt.UTC()
			st.ToolStartedAt = &at
		}
	}, true)

	r.register(TypeToolUsageFinished, func(st *domain.AgentState, _ domain.Event, _ domain.Payload) {
		st.CurrentActivity = "Tool finished"
		st.CurrentTool = ""
		st.ToolStartedAt = nil
	}, true)

	r.register(TypeMemoryAttached, func(st *domain.AgentState, _ domain.Event, p domain.Payload) {
		if id := str(p.Data, "memory_id"); id != "" {
			st.MemoryID = id
		}
	}, true)
}

// str renders data[key] as text; JSON numbers print without a trailing .0.
func str(data map[string]any, key string) string {
	v, ok := data[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(t)
	}
}

func withDetail(base, sep, detail string) string {
	if detail == "" {
		return base
	}
	return base + sep + detail
}

func resultFailed(result string) bool {
	r := strings.ToLower(result)
	return strings.Contains(r, "error") || strings.Contains(r, "failed")
}
