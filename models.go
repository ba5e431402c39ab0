package main

import "time"

// IdentityClaim holds the verified attributes extracted from a Google
// ID token. Produced per login, never persisted directly.
type IdentityClaim struct {
	Subject       string
	Email         string
	Name          string
	Picture       string
	EmailVerified bool
	Provider      string
}

// User is the persisted local account. The ID is the provider subject
// id (Google `sub`), so first login and lookup share one key.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Picture   string    `json:"picture,omitempty"`
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"createdAt"`
	LastLogin time.Time `json:"lastLogin"`
}

// Principal is the authenticated identity attached to a request after
// credential validation.
type Principal struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Session is a server-side credential record. Expiry is absolute,
// fixed at creation time, independent of activity.
type Session struct {
	ID        string
	UserID    string
	Email     string
	Name      string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Reading is a per-user meter reading row. The UserID foreign key is
// what the ownership gate checks.
type Reading struct {
	ID     int64   `json:"id"`
	UserID string  `json:"-"`
	Day    float64 `json:"day"`
	Night  float64 `json:"night"`
	Date   string  `json:"date"`
}
