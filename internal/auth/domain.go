// Package auth handles credential checks and session lifecycle. It is the
// actor-identity provider for the workflow engine: every approve/receive
// stamp resolves through the session established here.
package auth

import "time"

// User represents an application account.
type User struct {
	ID           int64
	Email        string
	FullName     string
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
}
