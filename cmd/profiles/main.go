// Package main manages encrypted credential profiles.
//
//	profiles keygen
//	profiles save -owner o1 -platform reddit -name prod \
//	    -set client_id=... -set client_secret=... -set user_agent=...
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/social-monitor/internal/config"
	"github.com/social-monitor/internal/logging"
	"github.com/social-monitor/internal/models"
	"github.com/social-monitor/internal/storage"
	"github.com/social-monitor/internal/types"
	"github.com/social-monitor/internal/vault"
)

// fieldFlags collects repeated -set key=value flags
type fieldFlags map[string]string

func (f fieldFlags) String() string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	return strings.Join(keys, ",")
}

func (f fieldFlags) Set(value string) error {
	key, val, ok := strings.Cut(value, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", value)
	}
	f[key] = val
	return nil
}

func main() {
	logger := logging.GetGlobalLogger().Component("profiles")

	if len(os.Args) < 2 {
		usage()
	}

	switch os.Args[1] {
	case "keygen":
		identity, err := vault.GenerateIdentity()
		if err != nil {
			logger.WithError(err).Fatalf("Failed to generate identity")
		}
		fmt.Println(identity)

	case "save":
		if err := save(os.Args[2:], logger); err != nil {
			logger.WithError(err).Fatalf("Failed to save profile")
		}

	default:
		usage()
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: profiles keygen | profiles save -owner ID -platform NAME [-name NAME] -set key=value ...")
	os.Exit(2)
}

func save(args []string, logger *logging.Logger) error {
	fields := fieldFlags{}
	fs := flag.NewFlagSet("save", flag.ExitOnError)
	owner := fs.String("owner", "", "Owner ID")
	platformName := fs.String("platform", "", "Platform: youtube, twitter, reddit, twitch")
	name := fs.String("name", "default", "Profile name")
	fs.Var(fields, "set", "Credential field as key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *owner == "" {
		return fmt.Errorf("-owner is required")
	}
	platform, err := types.ParsePlatform(*platformName)
	if err != nil {
		return err
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Database.Driver != "postgres" {
		return fmt.Errorf("profiles can only be saved to postgres storage")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
	if err != nil {
		return err
	}
	defer db.Close()

	profiles := storage.NewProfileRepository(db)
	v, err := vault.New(cfg.Vault, profiles)
	if err != nil {
		return err
	}

	ciphertext, err := v.Encrypt(platform, fields)
	if err != nil {
		return err
	}

	profile := &models.CredentialProfile{
		OwnerID:    *owner,
		Platform:   platform,
		Name:       *name,
		Ciphertext: ciphertext,
	}
	if err := profiles.SaveActiveProfile(ctx, profile); err != nil {
		return err
	}

	logger.WithFields(logging.Fields{
		"profileId": profile.ID,
		"ownerId":   profile.OwnerID,
		"platform":  platform,
		"fields":    fields.String(),
	}).Info("Credential profile saved and activated")
	return nil
}
