// Package domain contains core domain types for the hub.
package domain

import (
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
)

// ServerStatus describes the lifecycle state of a user's single-user server.
type ServerStatus int

const (
	// StatusNoServer means no server has been requested or it has been fully torn down.
	StatusNoServer ServerStatus = iota
	// StatusSpawnPending means an asynchronous spawn has been initiated but not confirmed.
	StatusSpawnPending
	// StatusRunning means the backing process is up and reachable.
	StatusRunning
	// StatusStopPending means an asynchronous stop has been initiated but not confirmed.
	StatusStopPending
)

func (s ServerStatus) String() string {
	switch s {
	case StatusSpawnPending:
		return "spawn-pending"
	case StatusRunning:
		return "running"
	case StatusStopPending:
		return "stop-pending"
	default:
		return "no-server"
	}
}

// User is the persisted account record. The store owns name and admin;
// runtime server state (pending flags, spawner handle) lives in the hub.
type User struct {
	Name         string    `json:"name"`
	Admin        bool      `json:"admin"`
	LastActivity time.Time `json:"last_activity"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// ValidateName checks that a username is acceptable as a server identifier.
// Usernames become container and volume names, so the character set is tight.
func ValidateName(name string) error {
	return validation.Validate(name,
		validation.Required,
		validation.Length(1, 63),
		validation.Match(namePattern),
	)
}

// Model is the rendered projection of a user returned by the API.
// Server is the base URL only while the server is actually running;
// Pending is "spawn" or "stop" while a transition is in flight.
type Model struct {
	Name         string  `json:"name"`
	Admin        bool    `json:"admin"`
	Server       *string `json:"server"`
	Pending      *string `json:"pending"`
	LastActivity string  `json:"last_activity"`
}

// Render projects a user record plus its runtime server state into a Model.
// Pure function, no side effects.
func Render(u *User, status ServerStatus, serverURL string) Model {
	m := Model{
		Name:         u.Name,
		Admin:        u.Admin,
		LastActivity: u.LastActivity.UTC().Format(time.RFC3339),
	}
	switch status {
	case StatusRunning:
		if serverURL != "" {
			m.Server = &serverURL
		}
	case StatusSpawnPending:
		p := "spawn"
		m.Pending = &p
	case StatusStopPending:
		p := "stop"
		m.Pending = &p
	}
	return m
}
