package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	crmclient "leadflow_backend/internal/crm/client"
	"leadflow_backend/internal/events"
	"leadflow_backend/internal/tracking"
	"leadflow_backend/internal/tracking/backfill"
	"leadflow_backend/platform/config"
	"leadflow_backend/platform/db"
	"leadflow_backend/platform/logger"
	"leadflow_backend/platform/validator"
)

func main() {
	leadsFlag := flag.String("lead", "", "comma-separated lead ids to backfill (default: every lead in the pipeline)")
	force := flag.Bool("force", false, "rebuild leads that already have tracked transitions")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting stage backfill", "force", *force)

	leadIDs, err := parseLeadIDs(*leadsFlag)
	if err != nil {
		log.Error("invalid -lead flag", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := db.RunMigrations(ctx, cfg); err != nil {
		log.Error("failed to run database migrations", "error", err)
		panic("failed to run database migrations: " + err.Error())
	}

	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()

	catalog, err := tracking.LoadCatalog(cfg)
	if err != nil {
		log.Error("failed to load stage catalog", "error", err)
		panic("failed to load stage catalog: " + err.Error())
	}

	crmAPI := crmclient.NewBreakerClient(crmclient.New(cfg, log), crmclient.DefaultBreakerSettings(), log)
	trackingModule := tracking.NewModule(pool, crmAPI, catalog, events.NewInMemoryBus(log), validator.New(), cfg, log, nil)

	summary, err := trackingModule.Engine().Run(ctx, backfill.Options{LeadIDs: leadIDs, Force: *force})
	if err != nil {
		log.Error("stage backfill failed", "error", err)
		os.Exit(1)
	}

	log.Info("stage backfill completed",
		"total", summary.Total,
		"replayed", summary.Replayed,
		"estimated", summary.Estimated,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
	)
}

func parseLeadIDs(raw string) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
