// unsctl is the operator tool: schema migrations, dead-letter replay, and
// fixture ingestion.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/secil-digital/uns-metadata-sync/internal/canary"
	"github.com/secil-digital/uns-metadata-sync/internal/cdc"
	"github.com/secil-digital/uns-metadata-sync/internal/config"
	"github.com/secil-digital/uns-metadata-sync/internal/dlq"
	"github.com/secil-digital/uns-metadata-sync/internal/ingest"
	"github.com/secil-digital/uns-metadata-sync/internal/migrations"
	"github.com/secil-digital/uns-metadata-sync/internal/repository"
)

const usage = `usage: unsctl <command> [flags]

commands:
  migrate apply     apply pending schema migrations
  migrate rollback  roll back the most recent migration
  replay-dlq        re-deliver pending dead-letter rows
  ingest-fixture    load a DBIRTH JSON fixture into the repository
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "unsctl:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("no command given")
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	ctx := context.Background()

	switch args[0] {
	case "migrate":
		if len(args) < 2 {
			return fmt.Errorf("migrate requires a subcommand: apply or rollback")
		}
		switch args[1] {
		case "apply":
			return migrateApply(ctx, args[2:], logger)
		case "rollback":
			return migrateRollback(ctx, args[2:], logger)
		default:
			return fmt.Errorf("unknown migrate subcommand %q", args[1])
		}
	case "replay-dlq":
		return replayDLQ(ctx, args[1:], logger)
	case "ingest-fixture":
		return ingestFixture(ctx, args[1:], logger)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func emit(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateApply(ctx context.Context, args []string, logger *zap.Logger) error {
	fs := flag.NewFlagSet("migrate apply", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	dryRun := fs.Bool("dry-run", false, "list pending migrations without applying")
	target := fs.Int64("target", 0, "migrate up to this version (0 = latest)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	runner, err := migrations.Open(cfg.DB.Conninfo, logger)
	if err != nil {
		return err
	}
	defer runner.Close()

	results, err := runner.Apply(ctx, *target, *dryRun)
	if err != nil {
		return err
	}
	return emit(map[string]any{
		"command":    "migrate apply",
		"dry_run":    *dryRun,
		"migrations": results,
	})
}

func migrateRollback(ctx context.Context, args []string, logger *zap.Logger) error {
	fs := flag.NewFlagSet("migrate rollback", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	dryRun := fs.Bool("dry-run", false, "report the current version without rolling back")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	runner, err := migrations.Open(cfg.DB.Conninfo, logger)
	if err != nil {
		return err
	}
	defer runner.Close()

	results, err := runner.Rollback(ctx, *dryRun)
	if err != nil {
		return err
	}
	return emit(map[string]any{
		"command":    "migrate rollback",
		"dry_run":    *dryRun,
		"migrations": results,
	})
}

// dlqPayload is the stored form of one dead-lettered diff.
type dlqPayload struct {
	UNSPath  string                       `json:"uns_path"`
	CanaryID string                       `json:"canary_id"`
	Changes  map[string]cdc.PropertyDelta `json:"changes"`
	EventIDs []string                     `json:"event_ids"`
}

func replayDLQ(ctx context.Context, args []string, logger *zap.Logger) error {
	fs := flag.NewFlagSet("replay-dlq", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	limit := fs.Int("limit", 0, "maximum rows to replay (0 = configured batch size)")
	execute := fs.Bool("execute", false, "actually re-deliver; default is a dry run")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if cfg.DBMode != config.ModeLocal {
		return fmt.Errorf("replay-dlq requires db_mode=local")
	}
	if *limit <= 0 {
		*limit = cfg.DLQ.ReplayBatchSize
	}

	pool, err := pgxpool.New(ctx, cfg.DB.Conninfo)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	store := dlq.NewStore(pool, cfg.DLQ.TTL(), int64(cfg.DLQ.AlertThreshold), nil, logger)

	session, err := canary.NewSessionManager(canary.SessionConfig{
		BaseURL:            cfg.Egress.BaseURL,
		APIToken:           cfg.Egress.APIToken,
		ClientID:           cfg.Egress.ClientID,
		Historians:         cfg.Egress.Historians,
		SessionTimeout:     time.Duration(cfg.Egress.SessionTimeoutMS) * time.Millisecond,
		AutoCreateDatasets: cfg.Egress.AutoCreateDatasets,
	}, nil, logger)
	if err != nil {
		return err
	}
	defer session.Shutdown(ctx)

	resolver := canary.NewDatasetResolver(canary.ResolverConfig{
		BaseURL:    cfg.Egress.BaseURL,
		APIToken:   cfg.Egress.APIToken,
		Prefix:     cfg.Egress.DatasetPrefix,
		FamilySize: cfg.Egress.DatasetFamilySize,
		Override:   cfg.Egress.DatasetOverride,
		BrowsePath: cfg.Egress.BrowsePath,
	}, nil, logger)

	client := canary.NewClient(canary.ClientConfig{
		BaseURL:         cfg.Egress.BaseURL,
		WritePath:       cfg.Egress.WritePath,
		RequestTimeout:  cfg.Egress.RequestTimeout(),
		RateLimitRPS:    float64(cfg.Egress.RateLimitRPS),
		MaxBatchTags:    cfg.Egress.MaxBatchTags,
		MaxPayloadBytes: cfg.Egress.MaxPayloadBytes,
		RetryAttempts:   cfg.Egress.RetryAttempts,
		RetryBaseDelay:  cfg.Egress.RetryBase(),
		RetryMaxDelay:   cfg.Egress.RetryMax(),
	}, session, resolver, nil, nil, logger)

	replayer := dlq.NewReplayer(store, func(ctx context.Context, entry dlq.Entry) error {
		var stored dlqPayload
		if err := json.Unmarshal(entry.Payload, &stored); err != nil {
			return fmt.Errorf("decode dead-letter payload: %w", err)
		}
		diff := &cdc.AggregatedDiff{
			UNSPath:    stored.UNSPath,
			CanaryID:   stored.CanaryID,
			Properties: stored.Changes,
			EventIDs:   stored.EventIDs,
		}
		return client.Replay(ctx, diff)
	}, logger)

	summary, err := replayer.Replay(ctx, *limit, *execute)
	if err != nil {
		return err
	}
	return emit(summary)
}

func ingestFixture(ctx context.Context, args []string, logger *zap.Logger) error {
	fs := flag.NewFlagSet("ingest-fixture", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	path := fs.String("path", "", "fixture file (protobuf-JSON DBIRTH projection)")
	group := fs.String("group", "", "Sparkplug group id")
	edge := fs.String("edge", "", "edge node id")
	device := fs.String("device", "", "device id")
	country := fs.String("country", "", "device country dimension")
	businessUnit := fs.String("business-unit", "", "device business unit dimension")
	plant := fs.String("plant", "", "device plant dimension")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		return fmt.Errorf("--path is required")
	}
	if *group == "" || *edge == "" || *device == "" {
		return fmt.Errorf("--group, --edge, and --device are required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	var store repository.Store
	switch cfg.DBMode {
	case config.ModeLocal:
		pool, err := pgxpool.New(ctx, cfg.DB.Conninfo)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer pool.Close()
		store = repository.NewPostgres(pool, logger)
	case config.ModeMock:
		store = repository.NewJSONL(cfg.Ingest.MockSinkPath, logger)
	}

	summary, err := ingest.IngestFixture(ctx, store, *path, ingest.FixtureIdentity{
		Group:        *group,
		Edge:         *edge,
		Device:       *device,
		Country:      *country,
		BusinessUnit: *businessUnit,
		Plant:        *plant,
	}, logger)
	if err != nil {
		return err
	}
	return emit(summary)
}
