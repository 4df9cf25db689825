package identity

import (
	"context"
	"time"
)

// Role is the capability level resolved for a subject at authentication
// time. Authorization checks compare against this field instead of
// probing user attributes at request time.
type Role string

const (
	RoleAdministrator Role = "administrator"
	RoleSecurity      Role = "security"
	RoleReceptionist  Role = "receptionist"
	RoleResident      Role = "resident"
)

// Valid reports whether the role is part of the closed enumeration.
func (r Role) Valid() bool {
	switch r {
	case RoleAdministrator, RoleSecurity, RoleReceptionist, RoleResident:
		return true
	}
	return false
}

// Subject is the resolved identity attempting access. Identity is stable
// for the lifetime of one attempt.
type Subject struct {
	UserID   int64  `json:"user_id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// User is an account record backing a resident subject.
type User struct {
	ID           int64
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	IsActive     bool
	CreatedAt    time.Time
}

// Card is a physical access credential assigned to a user.
type Card struct {
	ID         int64      `json:"id"`
	CardID     string     `json:"card_id"`
	UserID     *int64     `json:"user_id,omitempty"`
	IsActive   bool       `json:"is_active"`
	IssueDate  time.Time  `json:"issue_date"`
	ExpiryDate *time.Time `json:"expiry_date,omitempty"`
}

type subjectContextKey struct{}

// ContextWithSubject stores the authenticated subject in context.
func ContextWithSubject(ctx context.Context, subject Subject) context.Context {
	return context.WithValue(ctx, subjectContextKey{}, subject)
}

// SubjectFromContext extracts the subject from context.
func SubjectFromContext(ctx context.Context) (Subject, bool) {
	subject, ok := ctx.Value(subjectContextKey{}).(Subject)
	return subject, ok
}
