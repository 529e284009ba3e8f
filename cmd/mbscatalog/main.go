package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/clinicore/mbscatalog/internal/config"
	"github.com/clinicore/mbscatalog/internal/embedder"
	"github.com/clinicore/mbscatalog/internal/queryintent"
	"github.com/clinicore/mbscatalog/internal/service"
	"github.com/clinicore/mbscatalog/internal/storage"
	"github.com/clinicore/mbscatalog/pkg/types"
)

func main() {
	app := &cli.App{
		Name:  "mbscatalog",
		Usage: "Schedule catalog: XML ingestion, background jobs, and hybrid search",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to TOML config file",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:   "ingest",
				Usage:  "Import a schedule XML file into the catalog",
				Action: ingestCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "file",
						Aliases:  []string{"f"},
						Usage:    "Path to the schedule XML file",
						Required: true,
					},
					&cli.BoolFlag{
						Name:  "force",
						Usage: "Reprocess even if this file content was already imported",
					},
					&cli.BoolFlag{
						Name:  "async",
						Usage: "Enqueue the full pipeline instead of running inline",
					},
				},
			},
			{
				Name:   "embed",
				Usage:  "Generate embeddings for items without one",
				Action: embedCommand,
				Flags: []cli.Flag{
					&cli.Int64SliceFlag{
						Name:  "id",
						Usage: "Specific item row ids (repeatable); default is all unembedded",
					},
					&cli.IntFlag{
						Name:  "batch-size",
						Usage: "Items per provider call (0 uses the configured default)",
					},
				},
			},
			{
				Name:   "reindex",
				Usage:  "Rebuild the lexical search text",
				Action: reindexCommand,
				Flags: []cli.Flag{
					&cli.Int64SliceFlag{
						Name:  "id",
						Usage: "Specific item row ids (repeatable); default is the whole catalog",
					},
				},
			},
			{
				Name:      "search",
				Usage:     "Search the catalog",
				ArgsUsage: "<query>",
				Action:    searchCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "type",
						Usage: "Search type: text, semantic, or hybrid",
						Value: string(types.SearchHybrid),
					},
					&cli.IntFlag{Name: "limit", Value: 20},
					&cli.IntFlag{Name: "offset"},
					&cli.StringFlag{
						Name:  "sort",
						Usage: "Sort order: relevance, fee_asc, fee_desc, item_number",
						Value: string(types.SortRelevance),
					},
					&cli.StringFlag{Name: "provider-type", Usage: "Filter by provider type"},
					&cli.StringFlag{Name: "category", Usage: "Filter by category"},
					&cli.BoolFlag{Name: "include-inactive", Usage: "Include retired items"},
					&cli.Float64Flag{Name: "min-fee", Value: -1},
					&cli.Float64Flag{Name: "max-fee", Value: -1},
				},
			},
			{
				Name:      "item",
				Usage:     "Look up one item by its schedule number",
				ArgsUsage: "<item number>",
				Action:    itemCommand,
			},
			{
				Name:   "status",
				Usage:  "Show catalog health, or one job with --job",
				Action: statusCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "job", Usage: "Job id to inspect"},
				},
			},
			{
				Name:      "cancel",
				Usage:     "Cancel a queued job",
				ArgsUsage: "<job id>",
				Action:    cancelCommand,
			},
			{
				Name:   "worker",
				Usage:  "Run the background job workers until interrupted",
				Action: workerCommand,
			},
			{
				Name:  "migrate",
				Usage: "Inspect or roll back the catalog schema",
				Subcommands: []*cli.Command{
					{
						Name:   "status",
						Usage:  "Show the applied schema version against the latest known",
						Action: migrateStatusCommand,
					},
					{
						Name:   "rollback",
						Usage:  "Roll back the most recent schema migration",
						Action: migrateRollbackCommand,
					},
				},
			},
			{
				Name:   "version",
				Usage:  "Print build information",
				Action: versionCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func setupLogger(c *cli.Context) error {
	var level slog.Level
	switch strings.ToLower(c.String("log-level")) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", c.String("log-level"))
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return nil
}

func openService(c *cli.Context) (*service.Service, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	return service.New(cfg, slog.Default())
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func ingestCommand(c *cli.Context) error {
	svc, err := openService(c)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	file := c.String("file")
	name := filepath.Base(file)

	if c.Bool("async") {
		pipeline, err := svc.EnqueuePipeline(c.Context, file, name, c.Bool("force"))
		if err != nil {
			return err
		}
		return printJSON(pipeline)
	}

	result := svc.Ingest(c.Context, file, name, c.Bool("force"))
	if err := printJSON(result); err != nil {
		return err
	}
	if !result.Success {
		return cli.Exit("", 1)
	}
	return nil
}

func embedCommand(c *cli.Context) error {
	svc, err := openService(c)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	result := svc.Embed(c.Context, c.Int64Slice("id"), c.Int("batch-size"))
	if err := printJSON(result); err != nil {
		return err
	}
	if !result.Success {
		return cli.Exit("", 1)
	}
	return nil
}

func reindexCommand(c *cli.Context) error {
	svc, err := openService(c)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	result := svc.Reindex(c.Context, c.Int64Slice("id"))
	if err := printJSON(result); err != nil {
		return err
	}
	if !result.Success {
		return cli.Exit("", 1)
	}
	return nil
}

func searchCommand(c *cli.Context) error {
	query := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if query == "" {
		return fmt.Errorf("usage: mbscatalog search <query>")
	}

	svc, err := openService(c)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	// A bare item number is answered with an exact lookup first.
	intent := queryintent.Parse(query)
	if intent.Kind == queryintent.ExactItemNumber {
		item, err := svc.GetItem(c.Context, intent.ItemNumber)
		if err == nil {
			return printJSON(item)
		}
		if err != storage.ErrNotFound {
			return err
		}
	}

	req := &types.SearchRequest{
		Query:      query,
		SearchType: types.SearchType(c.String("type")),
		Limit:      c.Int("limit"),
		Offset:     c.Int("offset"),
		SortBy:     types.SortBy(c.String("sort")),
		Filters:    filtersFromFlags(c),
	}
	resp, err := svc.Search(c.Context, req)
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func filtersFromFlags(c *cli.Context) *types.SearchFilters {
	filters := &types.SearchFilters{
		ProviderType:    c.String("provider-type"),
		Category:        c.String("category"),
		IncludeInactive: c.Bool("include-inactive"),
	}
	if v := c.Float64("min-fee"); v >= 0 {
		filters.MinFee = &v
	}
	if v := c.Float64("max-fee"); v >= 0 {
		filters.MaxFee = &v
	}
	return filters
}

func itemCommand(c *cli.Context) error {
	number, err := strconv.Atoi(c.Args().First())
	if err != nil {
		return fmt.Errorf("usage: mbscatalog item <item number>")
	}

	svc, err := openService(c)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	item, err := svc.GetItem(c.Context, number)
	if err == storage.ErrNotFound {
		return cli.Exit(fmt.Sprintf("item %d not found", number), 1)
	}
	if err != nil {
		return err
	}
	return printJSON(item)
}

func statusCommand(c *cli.Context) error {
	svc, err := openService(c)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	if jobID := c.String("job"); jobID != "" {
		status, err := svc.JobStatus(c.Context, jobID)
		if err != nil {
			return err
		}
		return printJSON(status)
	}

	stats, latestRun, err := svc.HealthStats(c.Context)
	if err != nil {
		return err
	}
	counts, err := svc.JobCounts(c.Context)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"catalog":   stats,
		"latestRun": latestRun,
		"jobs":      counts,
	})
}

func cancelCommand(c *cli.Context) error {
	jobID := c.Args().First()
	if jobID == "" {
		return fmt.Errorf("usage: mbscatalog cancel <job id>")
	}

	svc, err := openService(c)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	if err := svc.CancelJob(c.Context, jobID); err != nil {
		return err
	}
	fmt.Printf("job %s canceled\n", jobID)
	return nil
}

func workerCommand(c *cli.Context) error {
	svc, err := openService(c)
	if err != nil {
		return err
	}
	defer func() { _ = svc.Close() }()

	runner, err := svc.NewRunner()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runner.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	runner.Stop()
	return nil
}

func versionCommand(*cli.Context) error {
	return printJSON(map[string]string{
		"driver":            storage.DriverName,
		"buildMode":         storage.BuildMode,
		"embeddingProvider": embedder.DetectProvider(),
	})
}

func openCatalogDB(c *cli.Context) (*sql.DB, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(storage.DriverName, cfg.Catalog.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog database: %w", err)
	}
	return db, nil
}

func migrateStatusCommand(c *cli.Context) error {
	db, err := openCatalogDB(c)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	applied, err := storage.SchemaVersion(c.Context, db)
	if err != nil {
		return err
	}
	return printJSON(map[string]string{
		"applied": applied,
		"latest":  storage.CurrentSchemaVersion,
	})
}

func migrateRollbackCommand(c *cli.Context) error {
	db, err := openCatalogDB(c)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if err := storage.RollbackMigration(c.Context, db); err != nil {
		return err
	}
	applied, err := storage.SchemaVersion(c.Context, db)
	if err != nil {
		return err
	}
	return printJSON(map[string]string{"applied": applied})
}
