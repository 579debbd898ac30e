package model

import "time"

// DeviceEndpoint is one registered push destination.
type DeviceEndpoint struct {
	Ref          string    `json:"ref"`
	Token        string    `json:"token"`
	UserID       string    `json:"user_id,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Active       bool      `json:"active"`
}
