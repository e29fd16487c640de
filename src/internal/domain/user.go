package domain

import "time"

type User struct {
	ID        string    `json:"id" firestore:"id"` // OIDC Subject ID
	Email     string    `json:"email" firestore:"email"`
	CreatedAt time.Time `json:"createdAt" firestore:"createdAt"`
	LastSeen  time.Time `json:"lastSeen" firestore:"lastSeen"`
}

type AuthEventKind string

const (
	SignedIn  AuthEventKind = "signed_in"
	SignedOut AuthEventKind = "signed_out"
)

// AuthEvent is one sign-in/sign-out transition reported by the auth service.
type AuthEvent struct {
	Kind AuthEventKind
	User User
}
