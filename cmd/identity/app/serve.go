package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"godwit.dev/identity/internal/claims"
	"godwit.dev/identity/internal/config"
	"godwit.dev/identity/internal/configstore"
	"godwit.dev/identity/internal/database"
	"godwit.dev/identity/internal/external"
	"godwit.dev/identity/internal/grants"
	"godwit.dev/identity/internal/httpapi"
	"godwit.dev/identity/internal/identity"
	"godwit.dev/identity/internal/keyring"
	"godwit.dev/identity/internal/signing"
	"godwit.dev/identity/internal/token"
)

const (
	protectorGrants  = "grants"
	protectorCookies = "cookies"
)

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	cert, err := keyring.LoadCertificate(cfg.CertificateFile(), cfg.CertPassword)
	if err != nil {
		return err
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
	})
	defer rdb.Close()
	cache := keyring.NewRedisRepository(rdb)
	ring, err := keyring.NewManager(cache, keyring.NewCertificateEncryptor(cert),
		config.ApplicationDiscriminator, keyring.WithLogger(logger)).GetOrCreate(ctx)
	if err != nil {
		return err
	}
	logger.Info("key ring ready", zap.String("active_key", ring.ActiveKey().ID), zap.Int("keys", ring.Len()))

	idDB, cfgDB, opsDB, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer idDB.Close()
	defer cfgDB.Close()
	defer opsDB.Close()

	users := identity.NewPGStore(idDB)
	clients := configstore.NewPGStore(cfgDB)
	operational := grants.NewPGStore(opsDB)
	for _, m := range []interface{ Migrate(context.Context) error }{users, clients, operational} {
		if err := m.Migrate(ctx); err != nil {
			return err
		}
	}
	grantStore := grants.NewProtectedStore(operational, ring.CreateProtector(protectorGrants))

	cleanerCtx, stopCleaner := context.WithCancel(ctx)
	defer stopCleaner()
	go grants.NewCleaner(grantStore, cfg.TokenCleanupInterval, logger).Run(cleanerCtx)

	cred := signing.NewCredential(cert)
	principals := claims.NewFactory(claims.NewEngine(users))
	issuer := token.NewService(cfg.IssuerURI,
		configstore.NewClientManager(clients, grants.NewAssertionRegistry(grantStore)),
		users, principals, cred, grantStore)

	deps := httpapi.Deps{
		Identity:      users,
		Configuration: clients,
		Operational:   operational,
		Cache:         cache,
		Tokens:        issuer,
		Credential:    cred,
		Principals:    principals,
		Cookies:       ring.CreateProtector(protectorCookies).WithLifetime(cfg.ProtectionLifespan),
		IssuerURI:     cfg.IssuerURI,
		Development:   cfg.IsDevelopment(),
		Logger:        logger,
	}
	if cfg.GoogleEnabled() {
		google, err := external.NewGoogleProvider(ctx, cfg.GoogleClientID, cfg.GoogleClientSecret,
			cfg.IssuerURI+"/external/google/callback")
		if err != nil {
			logger.Warn("google sign-in disabled", zap.Error(err))
		} else {
			deps.Google = google
			deps.Provisioner = external.NewProvisioner(users, logger)
		}
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.New(deps).Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting identity service", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("stopped")
	return nil
}

func openStores(ctx context.Context, cfg *config.Config) (idDB, cfgDB, opsDB *sql.DB, err error) {
	if idDB, err = database.Open(ctx, cfg.IdentityTarget()); err != nil {
		return nil, nil, nil, err
	}
	if cfgDB, err = database.Open(ctx, cfg.ConfigurationTarget()); err != nil {
		_ = idDB.Close()
		return nil, nil, nil, err
	}
	if opsDB, err = database.Open(ctx, cfg.OperationalTarget()); err != nil {
		_ = idDB.Close()
		_ = cfgDB.Close()
		return nil, nil, nil, err
	}
	return idDB, cfgDB, opsDB, nil
}
