package coordination

import "time"

// Node is one entry of the hierarchical store. Persistent nodes survive
// across sessions; ephemeral nodes are removed when their owning session
// transitions to Lost (§4.1).
type Node struct {
	Path       string    `json:"path"`
	Data       []byte    `json:"data"`
	Ephemeral  bool      `json:"ephemeral"`
	Sequential bool      `json:"sequential"`
	Version    int       `json:"version"`
	Owner      string    `json:"owner"` // session id, set only for ephemeral nodes
	Seq        int       `json:"seq"`   // assigned sequence number, set only for sequential nodes
	CreatedAt  time.Time `json:"created_at"`
}

// SessionState mirrors the three states C1's session_events stream emits.
type SessionState string

const (
	SessionConnected SessionState = "CONNECTED"
	SessionSuspended SessionState = "SUSPENDED"
	SessionLost      SessionState = "LOST"
)
