package model

import "time"

// Role distinguishes administrators from regular accounts.
type Role string

const (
	RoleAdmin Role = "ADMIN"
	RoleUser  Role = "USER"
)

// ParseRole coerces arbitrary input to a valid role, defaulting to USER.
func ParseRole(s string) Role {
	if s == string(RoleAdmin) {
		return RoleAdmin
	}
	return RoleUser
}

// User is a stored account. The password hash never leaves the store layer
// except for verification during login.
type User struct {
	ID           string    `json:"id"`
	FirstName    string    `json:"firstName"`
	LastName     string    `json:"lastName"`
	Role         Role      `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Summary returns the wire representation exposed by the admin API.
func (u User) Summary() UserSummary {
	return UserSummary{
		ID:        u.ID,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Role:      u.Role,
		CreatedAt: u.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// UserSummary is a User without credential material.
type UserSummary struct {
	ID        string `json:"id"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Role      Role   `json:"role"`
	CreatedAt string `json:"createdAt"`
}

// LogEntry is one append-only line of the door event log.
type LogEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
}

// LinkStatus is a snapshot of the MQTT uplink connection health.
type LinkStatus struct {
	Connected     bool       `json:"connected"`
	LastError     string     `json:"lastError,omitempty"`
	Messages      uint64     `json:"messages"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	LastTopic     string     `json:"lastTopic,omitempty"`
}
