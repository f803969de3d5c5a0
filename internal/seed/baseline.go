package seed

import "godwit.dev/identity/internal/identity"

const (
	RoleAdmin = "admin"
	RoleUser  = "user"

	baselinePassword = "Pass123$"
)

// BaselineUser is a user created on first seed and never touched afterwards.
type BaselineUser struct {
	UserName       string
	Email          string
	EmailConfirmed bool
	Password       string
	Role           string
	Claims         []identity.Claim
}

func BaselineRoles() []string {
	return []string{RoleAdmin, RoleUser}
}

func BaselineUsers() []BaselineUser {
	return []BaselineUser{
		{
			UserName:       "alice",
			Email:          "AliceSmith@email.com",
			EmailConfirmed: true,
			Password:       baselinePassword,
			Role:           RoleUser,
			Claims: []identity.Claim{
				{Type: "name", Value: "Alice Smith"},
				{Type: "given_name", Value: "Alice"},
				{Type: "family_name", Value: "Smith"},
				{Type: "website", Value: "http://alice.com"},
			},
		},
		{
			UserName:       "bob",
			Email:          "BobSmith@email.com",
			EmailConfirmed: true,
			Password:       baselinePassword,
			Role:           RoleUser,
			Claims: []identity.Claim{
				{Type: "name", Value: "Bob Smith"},
				{Type: "given_name", Value: "Bob"},
				{Type: "family_name", Value: "Smith"},
				{Type: "website", Value: "http://bob.com"},
				{Type: "location", Value: "somewhere"},
			},
		},
		{
			UserName:       "hamza",
			Email:          "althunibat@outlook.com",
			EmailConfirmed: true,
			Password:       baselinePassword,
			Role:           RoleAdmin,
			Claims: []identity.Claim{
				{Type: "name", Value: "Hamza Althunibat"},
				{Type: "given_name", Value: "Hamza"},
				{Type: "family_name", Value: "Althunibat"},
				{Type: "website", Value: "https://hamza.althunibat.info"},
				{Type: "location", Value: "Dubai"},
			},
		},
	}
}
