package external

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"godwit.dev/identity/internal/identity"
)

// DefaultRole is assigned to every user created from an external login.
const DefaultRole = "user"

// Provisioner links external identities to local users.
type Provisioner struct {
	store  identity.Database
	logger *zap.Logger
}

func NewProvisioner(store identity.Database, logger *zap.Logger) *Provisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provisioner{store: store, logger: logger}
}

// Provision returns the local user linked to ext, creating it on first sight.
func (p *Provisioner) Provision(ctx context.Context, ext *ExternalIdentity) (*identity.User, error) {
	if ext == nil || ext.Provider == "" || ext.Subject == "" {
		return nil, errors.New("external: identity without provider subject")
	}
	user, err := p.store.Users(ctx).FindByLogin(ctx, ext.Provider, ext.Subject)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, identity.ErrNotFound) {
		return nil, err
	}

	tx, err := p.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()
	if err := tx.Lock(ctx); err != nil {
		return nil, err
	}
	// A concurrent callback may have linked the login while we waited.
	if user, err := tx.Users(ctx).FindByLogin(ctx, ext.Provider, ext.Subject); err == nil {
		return user, nil
	} else if !errors.Is(err, identity.ErrNotFound) {
		return nil, err
	}

	user = &identity.User{
		UserName:       p.userName(ctx, tx, ext),
		Email:          ext.Email,
		EmailConfirmed: ext.EmailVerified,
	}
	if err := tx.Users(ctx).Create(ctx, user); err != nil {
		return nil, fmt.Errorf("external: create user: %w", err)
	}
	if err := tx.Users(ctx).AddLogin(ctx, identity.UserLogin{
		Provider:    ext.Provider,
		ProviderKey: ext.Subject,
		DisplayName: ext.Provider,
		UserID:      user.ID,
	}); err != nil {
		return nil, fmt.Errorf("external: add login: %w", err)
	}
	if claims := profileClaims(ext); len(claims) > 0 {
		if err := tx.Claims(ctx).Add(ctx, user.ID, claims); err != nil {
			return nil, fmt.Errorf("external: add claims: %w", err)
		}
	}
	if _, err := tx.Roles(ctx).FindByName(ctx, DefaultRole); err == nil {
		if err := tx.Roles(ctx).AddUser(ctx, user.ID, DefaultRole); err != nil {
			return nil, fmt.Errorf("external: add role: %w", err)
		}
	} else if !errors.Is(err, identity.ErrNotFound) {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	p.logger.Info("external user provisioned",
		zap.String("provider", ext.Provider),
		zap.String("user_id", user.ID),
		zap.String("user_name", user.UserName))
	return user, nil
}

// userName prefers the email address and falls back to a random name when
// the email is absent or already taken.
func (p *Provisioner) userName(ctx context.Context, tx identity.Tx, ext *ExternalIdentity) string {
	if email := strings.TrimSpace(ext.Email); email != "" {
		if _, err := tx.Users(ctx).FindByName(ctx, email); errors.Is(err, identity.ErrNotFound) {
			return email
		}
	}
	return uuid.NewString()
}

func profileClaims(ext *ExternalIdentity) []identity.Claim {
	var out []identity.Claim
	add := func(kind, value string) {
		if value != "" {
			out = append(out, identity.Claim{Type: kind, Value: value})
		}
	}
	add("name", ext.Name)
	add("given_name", ext.GivenName)
	add("family_name", ext.FamilyName)
	add("email", ext.Email)
	return out
}
