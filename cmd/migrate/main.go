package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"time"

	"godwit.dev/identity/internal/config"
	"godwit.dev/identity/internal/configstore"
	"godwit.dev/identity/internal/database"
	"godwit.dev/identity/internal/grants"
	"godwit.dev/identity/internal/identity"
	"godwit.dev/identity/internal/migrate"
)

func main() {
	log.SetFlags(0)
	store := flag.String("store", "all", "Store to migrate: identity, configuration, operational or all")
	flag.Parse()

	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [-store name] [up|down|status]")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	targets := []struct {
		name   string
		target database.Target
		open   func(*sql.DB) *migrate.Manager
	}{
		{"identity", cfg.IdentityTarget(), func(db *sql.DB) *migrate.Manager { return identity.NewPGStore(db).Migrator() }},
		{"configuration", cfg.ConfigurationTarget(), func(db *sql.DB) *migrate.Manager { return configstore.NewPGStore(db).Migrator() }},
		{"operational", cfg.OperationalTarget(), func(db *sql.DB) *migrate.Manager { return grants.NewPGStore(db).Migrator() }},
	}

	matched := false
	for _, t := range targets {
		if *store != "all" && *store != t.name {
			continue
		}
		matched = true
		if err := run(ctx, flag.Arg(0), t.name, t.target, t.open); err != nil {
			log.Fatalf("migrate %s %s: %v", t.name, flag.Arg(0), err)
		}
	}
	if !matched {
		log.Fatalf("unknown store %q", *store)
	}
}

func run(ctx context.Context, cmd, name string, target database.Target, open func(*sql.DB) *migrate.Manager) error {
	db, err := database.Open(ctx, target)
	if err != nil {
		return err
	}
	defer db.Close()

	mgr := open(db)
	switch cmd {
	case "up":
		return mgr.Up(ctx)
	case "down":
		return mgr.Down(ctx)
	case "status":
		history, err := mgr.Status(ctx)
		if err != nil {
			return err
		}
		for _, item := range history {
			fmt.Printf("%s\t%s\n", name, item)
		}
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
