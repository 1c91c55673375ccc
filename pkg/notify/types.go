// Package notify holds the client-side realtime notification subsystem: a
// deduplicating in-memory store fed by both a REST snapshot and the push
// channel, and the websocket channel client that keeps the two reconciled.
package notify

import "time"

// NotificationType mirrors the server's numeric notification type codes.
type NotificationType int

const (
	TypeRecyclerApplied NotificationType = iota
	TypeDonorAccepted
	TypeChatMessage
	TypeMeetingSet
)

// String returns a stable name for logging.
func (t NotificationType) String() string {
	switch t {
	case TypeRecyclerApplied:
		return "recycler_applied"
	case TypeDonorAccepted:
		return "donor_accepted"
	case TypeChatMessage:
		return "chat_message"
	case TypeMeetingSet:
		return "meeting_set"
	default:
		return "unknown"
	}
}

// Notification is one server-assigned notification record. ID is globally
// unique and is the deduplication key across snapshot and push delivery.
type Notification struct {
	ID        int64            `json:"id"`
	ListingID int64            `json:"listingId"`
	Type      NotificationType `json:"type"`
	Message   string           `json:"message,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	IsRead    bool             `json:"isRead"`
}
