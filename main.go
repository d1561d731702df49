package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"climate_monitor/config"
	"climate_monitor/database"
	"climate_monitor/decoder"
	"climate_monitor/history"
	"climate_monitor/ingest"
	"climate_monitor/liveness"
	"climate_monitor/logger"
	"climate_monitor/metrics"
	"climate_monitor/models"
	"climate_monitor/scanner"
	"climate_monitor/server"
	"climate_monitor/store"
	"climate_monitor/telemetry"
	"climate_monitor/transport"
)

func main() {
	os.Exit(run())
}

// run executes the command named in os.Args and returns the exit code.
// Deferred cleanup, including the session-end log banner, runs before exit.
func run() int {
	if len(os.Args) < 2 {
		showHelp()
		return 0
	}

	command := os.Args[1]
	if command == "help" {
		showHelp()
		return 0
	}

	cfg := loadConfig()
	appLog := discardLogger()

	// Initialize logging only for commands that need it
	if needsLogging(command) {
		l, err := logger.New(cfg.Logging)
		if err != nil {
			log.Fatalf("Failed to initialize logging: %v", err)
		}
		defer func() {
			if err := l.Close(); err != nil {
				log.Printf("Failed to close logging: %v", err)
			}
		}()
		l.LogCommand(os.Args[0], os.Args)
		appLog = l.Logger
	}

	var err error
	switch command {
	case "run":
		err = runCommand(cfg, appLog)
	case "connect":
		err = connectCommand(cfg, appLog)
	case "migrate":
		err = migrateCommand(cfg, appLog)
	case "migrate:status":
		err = migrationStatusCommand(cfg, appLog)
	case "db:info":
		err = dbInfoCommand(cfg)
	case "nodes":
		err = nodesCommand(cfg)
	case "import":
		if len(os.Args) < 3 {
			fmt.Println("Error: directory path required")
			fmt.Println("Usage: climate_monitor import <directory_path>")
			return 2
		}
		err = importCommand(cfg, appLog, os.Args[2])
	default:
		fmt.Printf("Unknown command: %s\n", command)
		showHelp()
		return 2
	}

	if err != nil {
		appLog.Error("command failed", "command", command, "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// needsLogging determines which commands need logging
func needsLogging(command string) bool {
	loggingCommands := map[string]bool{
		"run":            true,
		"connect":        true,
		"migrate":        true,
		"migrate:status": true,
		"import":         true,
	}
	return loggingCommands[command]
}

func showHelp() {
	fmt.Println("Climate Monitor - MQTT sensor telemetry ingestion")
	fmt.Println("")
	fmt.Println("Usage: climate_monitor <command> [arguments]")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  run                  Start the ingestion service")
	fmt.Println("  connect              Test database connection")
	fmt.Println("  migrate              Run pending migrations")
	fmt.Println("  migrate:status       Show migration status")
	fmt.Println("  db:info              Show database information")
	fmt.Println("  nodes                List known nodes")
	fmt.Println("  import <directory>   Import CSV files into the durable log (non-recursive)")
	fmt.Println("  help                 Show this help message")
	fmt.Println("")
	fmt.Println("Configuration:")
	fmt.Printf("  Edit config.yaml, or point %s at another file\n", config.EnvConfigPath)
	fmt.Println("")
	fmt.Println("CSV File Format:")
	fmt.Println("  Expected columns: timestamp,node_id,temperature,humidity[,pos_x,pos_y]")
	fmt.Println("  Timestamp format: ISO8601 (e.g., 2025-09-05T12:30:45Z) or Unix seconds")
}

func loadConfig() *config.Config {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func connectDatabase(cfg *config.Config, log *slog.Logger) (*gorm.DB, error) {
	db, err := database.Connect(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func runCommand(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := connectDatabase(cfg, log)
	if err != nil {
		return err
	}
	defer database.Close(db)

	if _, err := database.NewMigrationRunner(db, cfg.Migration.MigrationTable, log).RunMigrations(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	m := metrics.New()
	nodes := store.New(cfg.Ingest.BufferCapacity)
	writer := history.New(db,
		history.WithWriteTimeout(cfg.Storage.WriteTimeout),
		history.WithObserver(m.ObserveStorageWrite))

	if cfg.Ingest.Warmup > 0 {
		readings, err := writer.Recent(ctx, time.Now().Add(-cfg.Ingest.Warmup), nodes.Capacity())
		if err != nil {
			log.Warn("store warmup failed", "error", err)
		} else {
			nodes.Seed(readings)
			log.Info("store warmed from durable log", "readings", len(readings), "nodes", nodes.Len())
		}
	}

	mode, err := telemetry.ParseMode(cfg.Ingest.Mode)
	if err != nil {
		return err
	}
	dec, err := decoder.New(mode,
		decoder.WithAllowList(telemetry.NewAllowList(cfg.Ingest.AllowedNodes)),
		decoder.WithPositions(nodes))
	if err != nil {
		return err
	}

	listener, err := transport.New(cfg.Broker,
		transport.WithLogger(log.With("component", "transport")),
		transport.WithRecorder(m))
	if err != nil {
		return err
	}

	pipeline := ingest.New(dec, nodes,
		ingest.WithHistory(writer),
		ingest.WithRecorder(m),
		ingest.WithWorkers(cfg.Ingest.Workers),
		ingest.WithLogger(log.With("component", "ingest")))

	monitor := liveness.NewMonitor(nodes, cfg.Liveness.Timeout, cfg.Liveness.Interval,
		liveness.WithLogger(log.With("component", "liveness")))
	monitor.SetOnCounts(m.SetNodeCounts)

	srv := server.New(nodes,
		server.WithLivenessTimeout(cfg.Liveness.Timeout),
		server.WithPushInterval(cfg.Server.PushInterval),
		server.WithMetricsHandler(m.Handler()),
		server.WithBrokerStatus(listener.Connected),
		server.WithSnapshotObserver(m.SetNodeCounts),
		server.WithThresholds(telemetry.Thresholds{
			TempLow:      cfg.Alerts.TempLow,
			TempHigh:     cfg.Alerts.TempHigh,
			TempVeryHigh: cfg.Alerts.TempVeryHigh,
			HumLow:       cfg.Alerts.HumLow,
			HumHigh:      cfg.Alerts.HumHigh,
		}),
		server.WithExpectedNodes(cfg.Ingest.AllowedNodes),
		server.WithLogger(log.With("component", "server")))

	log.Info("starting climate monitor",
		"broker", cfg.BrokerAddress(),
		"protocol", cfg.Broker.Protocol,
		"topics", cfg.Broker.Topics,
		"mode", mode,
		"address", cfg.Server.Address)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return listener.Start(gctx)
	})
	g.Go(func() error {
		// Drains until the listener closes the handoff channel.
		return pipeline.Run(context.WithoutCancel(gctx), listener.Messages())
	})
	g.Go(func() error {
		monitor.Start(gctx)
		return nil
	})
	g.Go(func() error {
		return srv.Run(gctx, cfg.Server.Address)
	})

	err = g.Wait()
	log.Info("climate monitor stopped")
	return err
}

func connectCommand(cfg *config.Config, log *slog.Logger) error {
	log.Info("testing database connection")

	db, err := connectDatabase(cfg, log)
	if err != nil {
		return err
	}
	defer database.Close(db)

	fmt.Printf("✓ Successfully connected to %s database\n", cfg.Database.Driver)

	info := database.GetDatabaseInfo(context.Background(), db, cfg)
	infoJSON, _ := json.MarshalIndent(info, "", "  ")
	fmt.Printf("Connection info: %s\n", infoJSON)
	return nil
}

func migrateCommand(cfg *config.Config, log *slog.Logger) error {
	db, err := connectDatabase(cfg, log)
	if err != nil {
		return err
	}
	defer database.Close(db)

	ran, err := database.NewMigrationRunner(db, cfg.Migration.MigrationTable, log).RunMigrations(context.Background())
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	if ran == 0 {
		fmt.Println("No pending migrations")
	} else {
		fmt.Printf("✓ Applied %d migration(s)\n", ran)
	}
	return nil
}

func migrationStatusCommand(cfg *config.Config, log *slog.Logger) error {
	db, err := connectDatabase(cfg, log)
	if err != nil {
		return err
	}
	defer database.Close(db)

	migrations, err := database.NewMigrationRunner(db, cfg.Migration.MigrationTable, log).
		GetMigrationStatus(context.Background())
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}

	fmt.Printf("%-20s %-40s %s\n", "Version", "Name", "Status")
	fmt.Println(strings.Repeat("-", 67))
	for _, migration := range migrations {
		status := "Pending"
		if migration.Applied {
			status = "Applied"
			if migration.AppliedAt != nil {
				status += " " + migration.AppliedAt.Format(time.DateTime)
			}
		}
		fmt.Printf("%-20s %-40s %s\n", migration.Version, migration.Name, status)
	}
	return nil
}

func dbInfoCommand(cfg *config.Config) error {
	fmt.Println("Database Information:")
	fmt.Println(strings.Repeat("=", 50))

	db, err := connectDatabase(cfg, nil)
	if err != nil {
		return err
	}
	defer database.Close(db)

	ctx := context.Background()
	info := database.GetDatabaseInfo(ctx, db, cfg)

	fmt.Printf("Database Type:     %v\n", info["driver"])
	fmt.Printf("Connection Status: %v\n", getConnectionStatusText(info["connected"]))

	switch cfg.Database.Driver {
	case "mysql", "postgres":
		fmt.Printf("Host:              %v\n", info["host"])
		fmt.Printf("Port:              %v\n", info["port"])
		fmt.Printf("Database:          %v\n", info["database"])
	case "sqlite":
		fmt.Printf("File Path:         %v\n", info["path"])
	}

	if info["connected"] != true {
		fmt.Println("\nConnection failed - unable to retrieve detailed information")
		fmt.Println(strings.Repeat("=", 50))
		return nil
	}

	fmt.Println("\nConnection Pool:")
	fmt.Printf("  Max Connections: %v\n", info["max_open_connections"])
	fmt.Printf("  Open Connections:%v\n", info["open_connections"])
	fmt.Printf("  In Use:          %v\n", info["in_use"])
	fmt.Printf("  Idle:            %v\n", info["idle"])

	for _, m := range models.GetAllModels() {
		if !db.Migrator().HasTable(m) {
			fmt.Println("\nData Information: run 'migrate' first")
			fmt.Println(strings.Repeat("=", 50))
			return nil
		}
	}

	count, err := history.New(db).Count(ctx)
	if err != nil {
		return err
	}
	fmt.Println("\nData Information:")
	fmt.Printf("  Total Records:   %d\n", count)

	var nodeCount int64
	db.WithContext(ctx).Model(&models.ClimateReading{}).Distinct("node_id").Count(&nodeCount)
	fmt.Printf("  Unique Nodes:    %d\n", nodeCount)

	if count > 0 {
		var earliest, latest models.ClimateReading
		db.WithContext(ctx).Order("timestamp ASC").First(&earliest)
		db.WithContext(ctx).Order("timestamp DESC").First(&latest)
		fmt.Printf("  Date Range:      %s to %s\n",
			earliest.Timestamp.Format(time.DateTime),
			latest.Timestamp.Format(time.DateTime))
	}

	fmt.Println(strings.Repeat("=", 50))
	return nil
}

func getConnectionStatusText(connected interface{}) string {
	if conn, ok := connected.(bool); ok && conn {
		return "✓ Connected"
	}
	return "✗ Disconnected"
}

func nodesCommand(cfg *config.Config) error {
	db, err := connectDatabase(cfg, nil)
	if err != nil {
		return err
	}
	defer database.Close(db)

	nodes, err := history.New(db).Nodes(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list nodes: %w", err)
	}
	if len(nodes) == 0 {
		fmt.Println("No nodes recorded")
		return nil
	}

	fmt.Printf("%-16s %10s %10s %-8s %s\n", "Node", "Pos X", "Pos Y", "Status", "Last Seen")
	fmt.Println(strings.Repeat("-", 67))
	for _, n := range nodes {
		fmt.Printf("%-16s %10.2f %10.2f %-8s %s\n",
			n.NodeID, n.PosX, n.PosY, n.Status, n.LastSeen.Format(time.DateTime))
	}
	return nil
}

func importCommand(cfg *config.Config, log *slog.Logger, directoryPath string) error {
	db, err := connectDatabase(cfg, log)
	if err != nil {
		return err
	}
	defer database.Close(db)

	ctx := context.Background()
	if _, err := database.NewMigrationRunner(db, cfg.Migration.MigrationTable, log).RunMigrations(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	csvScanner := scanner.NewCSVScanner(history.New(db,
		history.WithWriteTimeout(cfg.Storage.WriteTimeout)), log.With("component", "scanner"))
	csvScanner.SetAllowList(telemetry.NewAllowList(cfg.Ingest.AllowedNodes))

	summary, err := csvScanner.ScanDirectory(ctx, directoryPath)
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}

	fmt.Printf("✓ Imported %d record(s) from %d file(s), %d failed, %d invalid row(s)\n",
		summary.Records, summary.Files, summary.Failed, summary.ParseErrors)
	return nil
}
