package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"election_results/pkg/config"
	"election_results/pkg/data"
	"election_results/pkg/database"
	"election_results/pkg/match"
	"election_results/pkg/utils"
)

var (
	configFile = flag.String("config", "config.yaml", "Path to configuration file")
	refFile    = flag.String("file", "constituencies.csv", "Reference CSV: pcon24_code,name,region")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := utils.NewLogger(&cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("Loading reference data", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := database.NewService(&cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("initializing database service: %w", err)
	}
	if err := db.Start(ctx); err != nil {
		return fmt.Errorf("starting database: %w", err)
	}
	defer db.Stop(ctx)
	repo := db.GetRepository()

	f, err := os.Open(*refFile)
	if err != nil {
		return fmt.Errorf("opening reference file: %w", err)
	}
	defer f.Close()

	count, err := load(ctx, repo, f)
	if err != nil {
		return err
	}
	logger.Info("Reference data loaded",
		zap.String("file", *refFile),
		zap.Int("constituencies", count))
	return nil
}

// load reads rows of pcon24_code,name,region and upserts them. Regions are
// created on first sight, in file order.
func load(ctx context.Context, repo data.Repository, r io.Reader) (int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 3

	regionIDs := map[string]int64{}
	count := 0
	for line := 1; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return count, fmt.Errorf("reading reference row %d: %w", line, err)
		}
		if line == 1 && record[0] == "pcon24_code" {
			continue // header row
		}

		code, name, regionName := record[0], record[1], record[2]
		if name == "" {
			return count, fmt.Errorf("row %d: empty constituency name", line)
		}

		var regionID *int64
		if regionName != "" {
			id, ok := regionIDs[regionName]
			if !ok {
				region := &data.Region{Name: regionName, SortOrder: len(regionIDs)}
				if err := repo.SaveRegion(ctx, region); err != nil {
					return count, err
				}
				id = region.ID
				regionIDs[regionName] = id
			}
			regionID = &id
		}

		c := &data.Constituency{
			Name:           name,
			NormalizedName: match.Normalize(name),
			RegionID:       regionID,
		}
		if code != "" {
			c.Pcon24Code = &code
		}
		if err := repo.SaveConstituency(ctx, c); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}
