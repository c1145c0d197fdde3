package domain

import "time"

// PresenceStatus is published whenever a user's connection comes or goes
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
)

// UserConnection binds a user to their single live connection
type UserConnection struct {
	UserID      string    `json:"user_id"`
	UserName    string    `json:"user_name"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// StatusChange is the user_status_changed event
type StatusChange struct {
	UserID string         `json:"user_id"`
	Status PresenceStatus `json:"status"`
	At     time.Time      `json:"at"`
}
