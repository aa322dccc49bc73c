package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/cuemby/distbuild/pkg/config"
	"github.com/cuemby/distbuild/pkg/security"
	"github.com/cuemby/distbuild/pkg/storage"
	"github.com/cuemby/distbuild/pkg/types"
)

// distbuild-admin is intentionally narrow: it covers only the two
// operations an operator needs to onboard a new consumer or recover from a
// leaked key, create and rotate-key, and leaves broader fleet management
// (listing, deactivating, re-quotaing, deleting consumers, database
// inspection) to direct Store access or a future subcommand.

var (
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "distbuild-admin",
	Short:   "distbuild admin - manage consumer credentials",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("database-path", "", "Override the database_path config value")
	rootCmd.PersistentFlags().String("config", "", "Path to a TOML config profile")

	consumerCmd.AddCommand(consumerCreateCmd)
	consumerCmd.AddCommand(consumerRotateKeyCmd)
	rootCmd.AddCommand(consumerCmd)
}

var consumerCmd = &cobra.Command{
	Use:   "consumer",
	Short: "Manage consumers",
}

var consumerCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a new consumer and print its one-time key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		maxConcurrent, _ := cmd.Flags().GetInt("max-concurrent")
		maxPerDay, _ := cmd.Flags().GetInt("max-per-day")

		name := args[0]
		ctx := context.Background()

		keyID, err := security.GenerateKeyID()
		if err != nil {
			return fmt.Errorf("generate key id: %w", err)
		}
		secret, err := security.GenerateSecret()
		if err != nil {
			return fmt.Errorf("generate secret: %w", err)
		}
		token := keyID + "." + secret
		hash, err := security.HashSecret(token)
		if err != nil {
			return fmt.Errorf("hash secret: %w", err)
		}

		consumer := &types.Consumer{
			ID:                uuid.New(),
			Name:              name,
			Active:            true,
			KeyID:             keyID,
			KeySalt:           hash.Salt,
			KeyDigest:         hash.Digest,
			MaxConcurrentJobs: maxConcurrent,
			MaxJobsPerDay:     maxPerDay,
			CreatedAt:         time.Now().UTC(),
		}

		if err := store.CreateConsumer(ctx, consumer); err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				return fmt.Errorf("consumer name already exists: %s", name)
			}
			return fmt.Errorf("create consumer: %w", err)
		}

		fmt.Println("consumer_id:", consumer.ID)
		fmt.Println("consumer_name:", consumer.Name)
		fmt.Println("consumer_key:", token)
		fmt.Println()
		fmt.Println("Store this key now; it is not recoverable. Pass it to clients as the X-Consumer-Key header.")
		return nil
	},
}

var consumerRotateKeyCmd = &cobra.Command{
	Use:   "rotate-key",
	Short: "Issue a new key for an existing consumer, invalidating the old one",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		consumer, err := lookupConsumer(ctx, store, cmd)
		if err != nil {
			return err
		}

		keyID, err := security.GenerateKeyID()
		if err != nil {
			return fmt.Errorf("generate key id: %w", err)
		}
		secret, err := security.GenerateSecret()
		if err != nil {
			return fmt.Errorf("generate secret: %w", err)
		}
		token := keyID + "." + secret
		hash, err := security.HashSecret(token)
		if err != nil {
			return fmt.Errorf("hash secret: %w", err)
		}

		consumer.KeyID = keyID
		consumer.KeySalt = hash.Salt
		consumer.KeyDigest = hash.Digest

		if err := store.UpdateConsumer(ctx, consumer); err != nil {
			return fmt.Errorf("update consumer: %w", err)
		}

		fmt.Println("consumer_id:", consumer.ID)
		fmt.Println("consumer_name:", consumer.Name)
		fmt.Println("consumer_key:", token)
		return nil
	},
}

func lookupConsumer(ctx context.Context, store storage.Store, cmd *cobra.Command) (*types.Consumer, error) {
	idStr, _ := cmd.Flags().GetString("id")
	name, _ := cmd.Flags().GetString("name")

	switch {
	case idStr != "":
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("invalid --id: %w", err)
		}
		c, err := store.GetConsumer(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("consumer not found: %s", idStr)
			}
			return nil, err
		}
		return c, nil
	case name != "":
		c, err := store.GetConsumerByName(ctx, name)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("consumer not found: %s", name)
			}
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("one of --id or --name is required")
	}
}

func openStore(cmd *cobra.Command) (*storage.BoltStore, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if override, _ := cmd.Flags().GetString("database-path"); override != "" {
		cfg.DatabasePath = override
	}

	if err := os.MkdirAll(cfg.DatabasePath, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	return storage.NewBoltStore(cfg.DatabasePath)
}

func init() {
	consumerCreateCmd.Flags().Int("max-concurrent", 2, "max_concurrent_jobs quota for the new consumer")
	consumerCreateCmd.Flags().Int("max-per-day", 200, "max_jobs_per_day quota for the new consumer")

	consumerRotateKeyCmd.Flags().String("id", "", "Consumer id to rotate (mutually exclusive with --name)")
	consumerRotateKeyCmd.Flags().String("name", "", "Consumer name to rotate (mutually exclusive with --id)")
	consumerRotateKeyCmd.MarkFlagsMutuallyExclusive("id", "name")
}
