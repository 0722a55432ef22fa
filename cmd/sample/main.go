package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lychee-technology/couchodm"
	"github.com/lychee-technology/couchodm/factory"
	"go.uber.org/zap"
)

func main() {
	// Command line flags
	csvFile := flag.String("csv", "", "Path to CSV file with users to import (required)")
	configFile := flag.String("config", "", "Optional config file (yaml, json or toml); COUCHODM_* env vars override it")
	database := flag.String("db", "", "CouchDB database name (overrides config)")
	batchSize := flag.Int("batch-size", 100, "Rows per flush")
	dryRun := flag.Bool("dry-run", false, "Parse CSV and validate mappings without writing to CouchDB")
	verbose := flag.Bool("verbose", false, "Enable verbose logging")
	flag.Parse()

	config, err := couchodm.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *database != "" {
		config.CouchDB.Database = *database
	}
	config.CouchDB.CreateIfMissing = true
	config.UnitOfWork.ValidateSchemas = true

	// Setup logging
	if *verbose {
		config.Logging.Level = "debug"
	}
	logger, err := factory.NewLogger(config.Logging)
	if err != nil {
		panic(fmt.Errorf("failed to build logger: %w", err))
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	sugar := logger.Sugar()

	if *csvFile == "" {
		sugar.Error("Error: -csv flag is required")
		flag.Usage()
		os.Exit(1)
	}

	ctx := context.Background()

	if *dryRun {
		sugar.Infof("Dry run mode: validating CSV file %s", *csvFile)
		importer := NewCSVImporter(nil, userMapper(), *batchSize)
		importer.SetLogger(sugar.Named("Import"))
		result, err := importer.ImportFromFile(ctx, *csvFile)
		if err != nil {
			sugar.Fatalf("Dry run failed: %v", err)
		}
		printResult(result, sugar)
		os.Exit(0)
	}

	registry, err := factory.NewMetadataRegistry(config, cmsClasses()...)
	if err != nil {
		sugar.Fatalf("Invalid class metadata: %v", err)
	}

	sugar.Infof("Connecting to %s/%s...", config.CouchDB.URL, config.CouchDB.Database)
	f, err := factory.New(ctx, config, registry, factory.WithLogger(logger))
	if err != nil {
		sugar.Fatalf("Failed to create document manager factory: %v", err)
	}
	defer f.Close()

	importer := NewCSVImporter(f.NewDocumentManager(), userMapper(), *batchSize)
	importer.SetLogger(sugar.Named("Import"))

	sugar.Infof("Starting import from: %s, batch size: %d", *csvFile, *batchSize)
	startTime := time.Now()
	result, err := importer.ImportFromFile(ctx, *csvFile)
	if err != nil {
		sugar.Fatalf("Import failed: %v", err)
	}
	sugar.Infof("Import completed in %v", time.Since(startTime))
	printResult(result, sugar)

	if len(result.UserIDs) > 0 {
		if err := showUser(ctx, f.NewDocumentManager(), result.UserIDs[0], sugar); err != nil {
			sugar.Errorf("Reading back the first user failed: %v", err)
		}
	}

	if result.FailedCount > 0 {
		os.Exit(1)
	}
}

// showUser loads a user in a fresh session, resolves its groups and prints
// it as JSON.
func showUser(ctx context.Context, dm couchodm.DocumentManager, id string, logger *zap.SugaredLogger) error {
	doc, err := dm.Find(ctx, "User", id)
	if err != nil {
		return err
	}
	user := doc.(*User)

	groups := make([]string, 0, len(user.Groups))
	for _, ref := range user.Groups {
		target, err := dm.Resolve(ctx, ref)
		if err != nil {
			return fmt.Errorf("resolve group %s: %w", ref.ID(), err)
		}
		groups = append(groups, target.(*Group).Name)
	}

	out, err := json.MarshalIndent(map[string]any{
		"id":       user.ID,
		"revision": dm.RevisionOf(user),
		"name":     user.Name,
		"email":    user.Email,
		"status":   user.Status,
		"address":  user.Address,
		"phones":   len(user.Phonenumbers),
		"groups":   groups,
	}, "", "  ")
	if err != nil {
		return err
	}
	logger.Info("First imported user:")
	logger.Info(string(out))
	return nil
}

// printResult prints the import result summary.
func printResult(result *ImportResult, logger *zap.SugaredLogger) {
	rule := strings.Repeat("=", 52)
	logger.Info(rule)
	logger.Info("Import Summary")
	logger.Info(rule)
	logger.Infof("  Total rows:     %d", result.TotalRows)
	logger.Infof("  Successful:     %d", result.SuccessCount)
	logger.Infof("  Failed:         %d", result.FailedCount)
	logger.Infof("  Groups created: %d", result.GroupsCreated)
	logger.Infof("  Duration:       %v", result.Duration)

	if result.FailedCount > 0 && result.TotalRows > 0 {
		successRate := float64(result.SuccessCount) / float64(result.TotalRows) * 100
		logger.Infof("  Success rate:   %.2f%%", successRate)
	}

	if len(result.Errors) > 0 {
		logger.Info("")
		logger.Infof("First %d errors:", min(10, len(result.Errors)))
		for i, err := range result.Errors {
			if i >= 10 {
				logger.Infof("  ... and %d more errors", len(result.Errors)-10)
				break
			}
			logger.Infof("  [%d] %s", i+1, err.Error())
		}
	}
}
