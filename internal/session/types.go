package session

import "strings"

// Meta is the caller identity and permission set bound to one RPC connection.
//
// It is established by the transport when the connection is accepted; request
// payloads never carry permissions.
type Meta struct {
	ConnectionID    string `json:"connection_id"`
	UserID          string `json:"user_id"`
	DisplayName     string `json:"display_name,omitempty"`
	CanRead         bool   `json:"can_read"`
	CanWrite        bool   `json:"can_write"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
}

// Actor names the user behind a mutation for audit entries.
func (m *Meta) Actor() string {
	if m == nil {
		return ""
	}
	if id := strings.TrimSpace(m.UserID); id != "" {
		return id
	}
	return strings.TrimSpace(m.DisplayName)
}
