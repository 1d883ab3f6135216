package domain

// ConnectionState is the canonical orchestrator state observed by the
// presentation layer.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateWaitingAgent
	StateConnected
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateWaitingAgent:
		return "waiting-agent"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// AgentState is the activity label shown for the agent.
type AgentState string

const (
	AgentIdle      AgentState = "idle"
	AgentListening AgentState = "listening"
	AgentThinking  AgentState = "thinking"
	AgentSpeaking  AgentState = "speaking"
)

// ParseAgentState accepts only the four known labels.
func ParseAgentState(s string) (AgentState, bool) {
	switch st := AgentState(s); st {
	case AgentIdle, AgentListening, AgentThinking, AgentSpeaking:
		return st, true
	}
	return "", false
}

// Snapshot is an immutable copy of the orchestrator state.
type Snapshot struct {
	State         ConnectionState
	Status        string
	Err           error
	Agent         AgentState
	AgentIdentity string
	AgentTrack    string
	MediaEnabled  bool
}

// Failed reports whether an error is overlaid on the current state.
func (s Snapshot) Failed() bool { return s.Err != nil }
