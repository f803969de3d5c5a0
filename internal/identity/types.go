package identity

import (
	"strings"
	"time"
)

// User is a locally registered account.
type User struct {
	ID                 string
	UserName           string
	NormalizedUserName string
	Email              string
	NormalizedEmail    string
	EmailConfirmed     bool
	PasswordHash       string
	SecurityStamp      string
	CreatedAt          time.Time
}

// Role is a named group of users.
type Role struct {
	ID             string
	Name           string
	NormalizedName string
	CreatedAt      time.Time
}

// Claim is a key/value attribute attached to a user. Several claims may share a Type.
type Claim struct {
	Type      string
	Value     string
	ValueType string
}

// UserLogin links a local user to an identity held by an external provider.
type UserLogin struct {
	Provider    string
	ProviderKey string
	DisplayName string
	UserID      string
}

// Snapshot is the claims and role names of one user read at a single point in time.
type Snapshot struct {
	Claims []Claim
	Roles  []string
}

// Normalize returns the lookup form of user names, emails and role names.
func Normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
