package model

import "fmt"

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleJoiner    Role = "joiner"
)

// Peer returns the opposite role.
func (r Role) Peer() Role {
	if r == RoleInitiator {
		return RoleJoiner
	}
	return RoleInitiator
}

func (r Role) Valid() bool {
	return r == RoleInitiator || r == RoleJoiner
}

func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

type SessionStatus string

const (
	SessionStatusPending     SessionStatus = "pending"
	SessionStatusClaimed     SessionStatus = "claimed"
	SessionStatusExchanging  SessionStatus = "exchanging"
	SessionStatusEstablished SessionStatus = "established"
	SessionStatusExpired     SessionStatus = "expired"
)

type CloseReason string

const (
	CloseReasonTeardown CloseReason = "teardown"
	CloseReasonExpired  CloseReason = "expired"
	CloseReasonEvicted  CloseReason = "evicted"
)
