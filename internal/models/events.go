package models

import "strings"

// Realtime event types delivered over the gateway. Closed enumeration:
// clients switch on these values.
const (
	EventEmailReceived     = "email:received"
	EventDocumentProcessed = "document:processed"
	EventDocumentFailed    = "document:failed"
	EventPreviewReady      = "preview:ready"
	EventDeadlineDue       = "deadline:due"
	EventFeedSynced        = "feed:synced"
	EventSystemAlert       = "system:alert"
	EventSystemSmoke       = "system:smoke"
)

// NotificationEvent is the envelope body pushed to subscribed sockets.
// Delivery is best effort; the durable notification record remains the
// source of truth for whether something happened.
type NotificationEvent struct {
	Type      string                 `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	SoundType string                 `json:"sound_type,omitempty"`
}

// Room naming. Personal and role rooms are assigned by the gateway on
// connect; case rooms are joined on explicit client request.

func UserRoom(userID string) string { return "user:" + userID }
func RoleRoom(role string) string   { return "role:" + role }
func CaseRoom(caseID string) string { return "case:" + caseID }

// ClientJoinable reports whether clients may join or leave the room
// themselves. Everything else is server-assigned.
func ClientJoinable(room string) bool {
	return strings.HasPrefix(room, "case:") && len(room) > len("case:")
}
