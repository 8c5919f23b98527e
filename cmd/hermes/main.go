// Command hermes is the Hermes admin CLI: it reports consumer status,
// applies schema migrations, and lists, shows and drops Postgres
// replication slots for the outbox daemon.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/hermesdb/hermes/internal/cli"
	"github.com/hermesdb/hermes/pkg/outbox/migrate"
	"github.com/hermesdb/hermes/pkg/outbox/pgingest"
	"github.com/hermesdb/hermes/pkg/outbox/position"
)

const adminVersion = "0.0.0-dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "hermes",
		Short:        "Hermes outbox admin CLI",
		Version:      adminVersion,
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "path to hermes admin config file")
	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return cli.InitViperFromCommand(cmd, cli.ViperConfig{
			EnvPrefix:    "HERMES_ADMIN",
			ConfigEnvVar: "HERMES_ADMIN_CONFIG",
			ConfigName:   "hermes-admin",
		})
	}

	root.AddCommand(newStatusCommand())
	root.AddCommand(newMigrateCommand())
	root.AddCommand(newSlotCommand())
	return root
}

func backendFlags(cmd *cobra.Command) {
	cmd.Flags().String("backend", "postgres", "storage backend: postgres|mongo")
	cmd.Flags().String("dsn", "", "postgres DSN (backend=postgres)")
	cmd.Flags().String("mongo-uri", "", "mongo connection URI (backend=mongo)")
	cmd.Flags().String("database", "hermes", "mongo database name (backend=mongo)")
	cmd.Flags().String("consumer-state-table", "hermes_consumer_state", "consumer-state table name (backend=postgres)")
	cmd.Flags().String("consumer-state-collection", "consumer_state", "consumer-state collection name (backend=mongo)")
	cmd.Flags().String("outbox-table", "hermes_outbox", "primary outbox table name (backend=postgres)")
	cmd.Flags().String("auxiliary-table", "hermes_outbox_auxiliary", "secondary outbox table name (backend=postgres)")
	cmd.Flags().String("outbox-collection", "outbox", "primary outbox collection name (backend=mongo)")
	cmd.Flags().String("auxiliary-collection", "outbox_auxiliary", "secondary outbox collection name (backend=mongo)")
	cmd.Flags().String("publication", "hermes_outbox", "replication publication name (backend=postgres)")
}

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "show a consumer's last-acknowledged position and redelivery count",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	backendFlags(cmd)
	cmd.Flags().String("consumer-name", "", "consumer name (required)")
	cmd.Flags().String("partition-key", "default", "partition key")
	cmd.Flags().Bool("json", false, "output JSON")
	return cmd
}

type statusOutput struct {
	ConsumerName    string `json:"consumerName"`
	PartitionKey    string `json:"partitionKey"`
	LastPosition    string `json:"lastPosition"`
	RedeliveryCount int    `json:"redeliveryCount"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	backend := cli.ResolveStringFlag(cmd, "backend")
	consumerName := cli.ResolveStringFlag(cmd, "consumer-name")
	if strings.TrimSpace(consumerName) == "" {
		return errors.New("--consumer-name is required")
	}
	partitionKey := cli.ResolveStringFlag(cmd, "partition-key")
	jsonOutput := cli.ResolveBoolFlag(cmd, "json")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var token string
	var count int

	switch backend {
	case "postgres":
		dsn := cli.ResolveStringFlag(cmd, "dsn")
		table := cli.ResolveStringFlag(cmd, "consumer-state-table")
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
		store := position.NewPostgresStore(pool, table)
		token, count, err = store.Load(ctx, consumerName, partitionKey)
		if err != nil {
			return fmt.Errorf("load position: %w", err)
		}
	case "mongo":
		uri := cli.ResolveStringFlag(cmd, "mongo-uri")
		database := cli.ResolveStringFlag(cmd, "database")
		collection := cli.ResolveStringFlag(cmd, "consumer-state-collection")
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
		if err != nil {
			return fmt.Errorf("connect mongo: %w", err)
		}
		defer func() { _ = client.Disconnect(ctx) }()
		store := position.NewMongoStore(client.Database(database).Collection(collection))
		token, count, err = store.Load(ctx, consumerName, partitionKey)
		if err != nil {
			return fmt.Errorf("load position: %w", err)
		}
	default:
		return fmt.Errorf("unsupported backend %q", backend)
	}

	out := statusOutput{
		ConsumerName:    consumerName,
		PartitionKey:    partitionKey,
		LastPosition:    token,
		RedeliveryCount: count,
	}
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	fmt.Printf("consumer=%s partition=%s last_position=%s redelivery_count=%d\n", out.ConsumerName, out.PartitionKey, out.LastPosition, out.RedeliveryCount)
	return nil
}

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "create or update the outbox schema for a backend",
		Args:  cobra.NoArgs,
		RunE:  runMigrate,
	}
	backendFlags(cmd)
	return cmd
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	backend := cli.ResolveStringFlag(cmd, "backend")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch backend {
	case "postgres":
		dsn := cli.ResolveStringFlag(cmd, "dsn")
		outboxTable := cli.ResolveStringFlag(cmd, "outbox-table")
		auxiliaryTable := cli.ResolveStringFlag(cmd, "auxiliary-table")
		consumerStateTable := cli.ResolveStringFlag(cmd, "consumer-state-table")
		publication := cli.ResolveStringFlag(cmd, "publication")
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
		migrator := migrate.NewPostgresMigrator(pool, migrate.PostgresOptions{
			OutboxTable:        outboxTable,
			AuxiliaryTable:     auxiliaryTable,
			ConsumerStateTable: consumerStateTable,
			Publication:        publication,
		})
		if err := migrator.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	case "mongo":
		uri := cli.ResolveStringFlag(cmd, "mongo-uri")
		database := cli.ResolveStringFlag(cmd, "database")
		outboxCollection := cli.ResolveStringFlag(cmd, "outbox-collection")
		auxiliaryCollection := cli.ResolveStringFlag(cmd, "auxiliary-collection")
		consumerStateCollection := cli.ResolveStringFlag(cmd, "consumer-state-collection")
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
		if err != nil {
			return fmt.Errorf("connect mongo: %w", err)
		}
		defer func() { _ = client.Disconnect(ctx) }()
		migrator := migrate.NewMongoMigrator(client, migrate.MongoOptions{
			Database:                database,
			OutboxCollection:        outboxCollection,
			AuxiliaryCollection:     auxiliaryCollection,
			ConsumerStateCollection: consumerStateCollection,
		})
		if err := migrator.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	default:
		return fmt.Errorf("unsupported backend %q", backend)
	}

	fmt.Println("migrate ok")
	return nil
}

func newSlotCommand() *cobra.Command {
	group := &cobra.Command{
		Use:   "slot",
		Short: "inspect and manage Postgres logical replication slots",
	}
	group.AddCommand(newSlotListCommand())
	group.AddCommand(newSlotShowCommand())
	group.AddCommand(newSlotDropCommand())
	return group
}

func newSlotListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "list logical replication slots",
		Args:  cobra.NoArgs,
		RunE:  runSlotList,
	}
	cmd.Flags().String("dsn", "", "postgres DSN")
	cmd.Flags().Bool("json", false, "output JSON")
	return cmd
}

func runSlotList(cmd *cobra.Command, _ []string) error {
	dsn := cli.ResolveStringFlag(cmd, "dsn")
	jsonOutput := cli.ResolveBoolFlag(cmd, "json")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	slots, err := pgingest.ListSlots(ctx, dsn)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(slots)
	}
	if len(slots) == 0 {
		fmt.Println("no replication slots found")
		return nil
	}
	for _, s := range slots {
		pid := "n/a"
		if s.ActivePID != nil {
			pid = fmt.Sprintf("%d", *s.ActivePID)
		}
		fmt.Printf("%-32s active=%-5t pid=%-8s wal_status=%-10s restart_lsn=%s\n", s.SlotName, s.Active, pid, s.WalStatus, s.RestartLSN)
	}
	return nil
}

func newSlotShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [slot-name]",
		Short: "show one logical replication slot",
		Args:  cobra.ExactArgs(1),
		RunE:  runSlotShow,
	}
	cmd.Flags().String("dsn", "", "postgres DSN")
	cmd.Flags().Bool("json", false, "output JSON")
	return cmd
}

func runSlotShow(cmd *cobra.Command, args []string) error {
	dsn := cli.ResolveStringFlag(cmd, "dsn")
	jsonOutput := cli.ResolveBoolFlag(cmd, "json")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	slot, ok, err := pgingest.GetSlot(ctx, dsn, args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("slot %q not found", args[0])
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(slot)
	}
	pid := "n/a"
	if slot.ActivePID != nil {
		pid = fmt.Sprintf("%d", *slot.ActivePID)
	}
	fmt.Printf("slot=%s plugin=%s active=%t pid=%s wal_status=%s restart_lsn=%s confirmed_flush_lsn=%s\n",
		slot.SlotName, slot.Plugin, slot.Active, pid, slot.WalStatus, slot.RestartLSN, slot.ConfirmedLSN)
	return nil
}

func newSlotDropCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drop [slot-name]",
		Short: "drop a logical replication slot",
		Args:  cobra.ExactArgs(1),
		RunE:  runSlotDrop,
	}
	cmd.Flags().String("dsn", "", "postgres DSN")
	cmd.Flags().Bool("if-exists", true, "succeed even when the slot is missing")
	return cmd
}

func runSlotDrop(cmd *cobra.Command, args []string) error {
	dsn := cli.ResolveStringFlag(cmd, "dsn")
	ifExists := cli.ResolveBoolFlag(cmd, "if-exists")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := pgingest.DropSlot(ctx, dsn, args[0], ifExists); err != nil {
		return err
	}
	fmt.Printf("dropped slot %s\n", args[0])
	return nil
}
