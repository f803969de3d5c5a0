// Package seed establishes the baseline roles, users and configuration
// records. Running it again against populated stores creates nothing.
package seed

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"godwit.dev/identity/internal/config"
	"godwit.dev/identity/internal/configstore"
	"godwit.dev/identity/internal/database"
	"godwit.dev/identity/internal/grants"
	"godwit.dev/identity/internal/identity"
	"godwit.dev/identity/internal/obs"
)

var ErrBootstrapFailed = errors.New("bootstrap failed")

// BootstrapError names the seed step that failed.
type BootstrapError struct {
	Step string
	Err  error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("seed: %s: %v", e.Step, e.Err)
}

func (e *BootstrapError) Unwrap() error { return e.Err }

func (e *BootstrapError) Is(target error) bool { return target == ErrBootstrapFailed }

func fail(step string, err error) error {
	return &BootstrapError{Step: step, Err: err}
}

type Seeder struct {
	identity    identity.Database
	config      configstore.Database
	operational grants.Database
	logger      *zap.Logger

	roles     []string
	users     []BaselineUser
	clients   []configstore.ClientDescription
	resources []configstore.IdentityResourceDescription
	scopes    []configstore.ApiScopeDescription
}

type Option func(*Seeder)

func WithLogger(l *zap.Logger) Option {
	return func(s *Seeder) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithRoles(roles []string) Option {
	return func(s *Seeder) { s.roles = roles }
}

func WithUsers(users []BaselineUser) Option {
	return func(s *Seeder) { s.users = users }
}

func WithClients(clients []configstore.ClientDescription) Option {
	return func(s *Seeder) { s.clients = clients }
}

func NewSeeder(id identity.Database, cfg configstore.Database, ops grants.Database, opts ...Option) *Seeder {
	s := &Seeder{
		identity:    id,
		config:      cfg,
		operational: ops,
		logger:      zap.NewNop(),
		roles:       BaselineRoles(),
		users:       BaselineUsers(),
		clients:     configstore.Clients(),
		resources:   configstore.IdentityResources(),
		scopes:      configstore.ApiScopes(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Seed migrates the three stores and inserts whatever baseline records are
// missing. Identity and configuration work each run in one transaction under
// an exclusive lock; both are rolled back unless every step succeeds.
func (s *Seeder) Seed(ctx context.Context) error {
	if err := s.identity.Migrate(ctx); err != nil {
		return fail("migrate identity store", err)
	}
	if err := s.config.Migrate(ctx); err != nil {
		return fail("migrate configuration store", err)
	}
	if err := s.operational.Migrate(ctx); err != nil {
		return fail("migrate operational store", err)
	}

	idTx, err := s.identity.Begin(ctx)
	if err != nil {
		return fail("begin identity transaction", err)
	}
	defer func() { _ = idTx.Rollback() }()
	if err := idTx.Lock(ctx); err != nil {
		return fail("lock identity store", err)
	}

	cfgTx, err := s.config.Begin(ctx)
	if err != nil {
		return fail("begin configuration transaction", err)
	}
	defer func() { _ = cfgTx.Rollback() }()
	if err := cfgTx.Lock(ctx); err != nil {
		return fail("lock configuration store", err)
	}

	if err := s.seedRoles(ctx, idTx); err != nil {
		return err
	}
	if err := s.seedUsers(ctx, idTx); err != nil {
		return err
	}
	if err := s.seedConfiguration(ctx, cfgTx); err != nil {
		return err
	}

	if err := idTx.Commit(); err != nil {
		return fail("commit identity store", err)
	}
	if err := cfgTx.Commit(); err != nil {
		return fail("commit configuration store", err)
	}
	s.logger.Info("seed completed")
	return nil
}

func (s *Seeder) seedRoles(ctx context.Context, tx identity.Tx) error {
	for _, name := range s.roles {
		_, err := tx.Roles(ctx).FindByName(ctx, name)
		if err == nil {
			s.logger.Debug("role already exists", zap.String("role", name))
			continue
		}
		if !errors.Is(err, identity.ErrNotFound) {
			return fail("find role "+name, err)
		}
		// A conflict here means another writer won the race. PostgreSQL aborts
		// the transaction on a unique violation, so only stores that survive a
		// conflicting insert, such as the in-memory one, reach this branch; the
		// advisory lock keeps seeders from racing there.
		err = tx.Roles(ctx).Create(ctx, &identity.Role{Name: name})
		switch {
		case errors.Is(err, identity.ErrConflict):
			s.logger.Debug("role created concurrently", zap.String("role", name))
		case err != nil:
			return fail("create role "+name, err)
		default:
			obs.SeedRecordsCreated.WithLabelValues("role").Inc()
			s.logger.Debug("role created", zap.String("role", name))
		}
	}
	return nil
}

func (s *Seeder) seedUsers(ctx context.Context, tx identity.Tx) error {
	for _, b := range s.users {
		_, err := tx.Users(ctx).FindByName(ctx, b.UserName)
		if err == nil {
			s.logger.Debug("user already exists", zap.String("user", b.UserName))
			continue
		}
		if !errors.Is(err, identity.ErrNotFound) {
			return fail("find user "+b.UserName, err)
		}

		hash, err := identity.HashPassword(b.Password)
		if err != nil {
			return fail("hash password "+b.UserName, err)
		}
		user := &identity.User{
			UserName:       b.UserName,
			Email:          b.Email,
			EmailConfirmed: b.EmailConfirmed,
			PasswordHash:   hash,
		}
		err = tx.Users(ctx).Create(ctx, user)
		// Same as roles: reachable only where a conflict leaves the transaction usable.
		if errors.Is(err, identity.ErrConflict) {
			s.logger.Debug("user created concurrently", zap.String("user", b.UserName))
			continue
		}
		if err != nil {
			return fail("create user "+b.UserName, err)
		}
		if err := tx.Claims(ctx).Add(ctx, user.ID, b.Claims); err != nil {
			return fail("add claims "+b.UserName, err)
		}
		if err := tx.Roles(ctx).AddUser(ctx, user.ID, b.Role); err != nil {
			return fail("add role "+b.UserName, err)
		}
		obs.SeedRecordsCreated.WithLabelValues("user").Inc()
		s.logger.Debug("user created", zap.String("user", b.UserName), zap.String("role", b.Role))
	}
	return nil
}

// seedConfiguration fills each configuration table only when it is empty.
// The three tables are checked independently.
func (s *Seeder) seedConfiguration(ctx context.Context, tx configstore.Tx) error {
	n, err := tx.Clients(ctx).Count(ctx)
	if err != nil {
		return fail("count clients", err)
	}
	if n == 0 {
		clients, err := configstore.ClientEntities(s.clients)
		if err != nil {
			return fail("convert clients", err)
		}
		if err := tx.Clients(ctx).Add(ctx, clients); err != nil {
			return fail("insert clients", err)
		}
		obs.SeedRecordsCreated.WithLabelValues("client").Add(float64(len(clients)))
		s.logger.Debug("clients populated", zap.Int("count", len(clients)))
	} else {
		s.logger.Debug("clients already populated")
	}

	n, err = tx.IdentityResources(ctx).Count(ctx)
	if err != nil {
		return fail("count identity resources", err)
	}
	if n == 0 {
		resources := configstore.IdentityResourceEntities(s.resources)
		if err := tx.IdentityResources(ctx).Add(ctx, resources); err != nil {
			return fail("insert identity resources", err)
		}
		obs.SeedRecordsCreated.WithLabelValues("identity_resource").Add(float64(len(resources)))
		s.logger.Debug("identity resources populated", zap.Int("count", len(resources)))
	} else {
		s.logger.Debug("identity resources already populated")
	}

	n, err = tx.ApiScopes(ctx).Count(ctx)
	if err != nil {
		return fail("count api scopes", err)
	}
	if n == 0 {
		scopes := configstore.ApiScopeEntities(s.scopes)
		if err := tx.ApiScopes(ctx).Add(ctx, scopes); err != nil {
			return fail("insert api scopes", err)
		}
		obs.SeedRecordsCreated.WithLabelValues("api_scope").Add(float64(len(scopes)))
		s.logger.Debug("api scopes populated", zap.Int("count", len(scopes)))
	} else {
		s.logger.Debug("api scopes already populated")
	}
	return nil
}

// Run opens the three configured stores and seeds them.
func Run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fail("load configuration", err)
	}
	idDB, err := database.Open(ctx, cfg.IdentityTarget())
	if err != nil {
		return fail("open identity store", err)
	}
	defer idDB.Close()
	cfgDB, err := database.Open(ctx, cfg.ConfigurationTarget())
	if err != nil {
		return fail("open configuration store", err)
	}
	defer cfgDB.Close()
	opsDB, err := database.Open(ctx, cfg.OperationalTarget())
	if err != nil {
		return fail("open operational store", err)
	}
	defer opsDB.Close()

	return NewSeeder(
		identity.NewPGStore(idDB),
		configstore.NewPGStore(cfgDB),
		grants.NewPGStore(opsDB),
		WithLogger(logger),
	).Seed(ctx)
}
