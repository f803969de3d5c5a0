package claims

import "encoding/json"

// HasuraClaimType is the claim kind carrying the structured authorization payload.
const HasuraClaimType = "https://hasura.io/jwt/claims"

// HasuraClaim is the structured authorization claim consumed by the Hasura GraphQL engine.
type HasuraClaim struct {
	UserID       string   `json:"x-hasura-user-id"`
	DefaultRole  *string  `json:"x-hasura-default-role"`
	AllowedRoles []string `json:"x-hasura-allowed-roles"`
}

// NewHasuraClaim derives the claim from a single role listing so the default
// role is always one of the allowed roles.
func NewHasuraClaim(userID string, roles []string) HasuraClaim {
	allowed := make([]string, len(roles))
	copy(allowed, roles)
	claim := HasuraClaim{UserID: userID, AllowedRoles: allowed}
	if len(allowed) > 0 {
		first := allowed[0]
		claim.DefaultRole = &first
	}
	return claim
}

func (h HasuraClaim) Marshal() (string, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ParseHasuraClaim decodes a serialized claim value.
func ParseHasuraClaim(value string) (HasuraClaim, error) {
	var h HasuraClaim
	if err := json.Unmarshal([]byte(value), &h); err != nil {
		return HasuraClaim{}, err
	}
	if h.AllowedRoles == nil {
		h.AllowedRoles = []string{}
	}
	return h, nil
}
