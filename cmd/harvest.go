package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/paulmach/orb"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/placegrid/harvester/internal/config"
	"github.com/placegrid/harvester/internal/harvest"
	"github.com/placegrid/harvester/internal/logging"
)

func newHarvestCmd() *cobra.Command {
	var (
		bbox       string
		regionFile string
		categories []string
		resolution int
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Harvest a region once and wait for completion",
		Long: `harvest submits a single region, runs the worker pool in-process and
blocks until every (cell, category) pair is covered or the timeout expires.
The region is either a bounding box or a JSON file holding polygon rings as
[[[lng, lat], ...], ...].`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, "harvester")
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			polygon, err := loadPolygon(bbox, regionFile)
			if err != nil {
				return err
			}
			if len(categories) == 0 {
				return fmt.Errorf("at least one --category is required")
			}
			cats := make([]harvest.Category, 0, len(categories))
			for _, name := range categories {
				name = strings.TrimSpace(name)
				if name == "" {
					continue
				}
				cats = append(cats, harvest.Category{Name: name, Query: name})
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			svc, err := buildServices(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer svc.close()

			region := harvest.Region{Polygon: polygon, Resolution: resolution}
			run, err := svc.manager.Submit(ctx, region, cats)
			if err != nil {
				return fmt.Errorf("submit run: %w", err)
			}
			fmt.Fprintf(os.Stdout, "run %s: %d cells, %d items\n", run.ID, run.CellCount, run.ItemCount)
			if run.Status == harvest.RunStatusCompleted {
				fmt.Fprintln(os.Stdout, "region already covered")
				return nil
			}

			poolCtx, stopPool := context.WithCancel(ctx)
			defer stopPool()
			poolDone := make(chan struct{})
			go func() {
				defer close(poolDone)
				svc.pool.Run(poolCtx)
			}()

			ticker := time.NewTicker(2 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					stopPool()
					<-poolDone
					return fmt.Errorf("harvest interrupted: %w", ctx.Err())
				case <-ticker.C:
				}
				progress, err := svc.manager.Progress(context.Background(), run.ID)
				if err != nil {
					logger.Warn("progress check failed", zap.Error(err))
					continue
				}
				fmt.Fprintf(os.Stdout, "progress: %d/%d (%.1f%%)\n",
					progress.ItemsCovered, progress.ItemsTotal, progress.Percent)
				if progress.ItemsCovered >= progress.ItemsTotal {
					break
				}
			}

			stopPool()
			<-poolDone

			letters, err := svc.manager.DeadLetters(context.Background(), run.ID)
			if err == nil && len(letters) > 0 {
				fmt.Fprintf(os.Stdout, "warning: %d items dead-lettered\n", len(letters))
			}
			fmt.Fprintln(os.Stdout, "harvest complete")
			return nil
		},
	}

	cmd.Flags().StringVar(&bbox, "bbox", "", "bounding box as minLng,minLat,maxLng,maxLat")
	cmd.Flags().StringVar(&regionFile, "region-file", "", "path to a JSON file holding polygon rings")
	cmd.Flags().StringSliceVar(&categories, "category", nil, "category to harvest (repeatable)")
	cmd.Flags().IntVar(&resolution, "resolution", 0, "grid resolution (0 uses the configured default)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "abort if the run has not finished in time (0 disables)")

	return cmd
}

func loadPolygon(bbox, regionFile string) (orb.Polygon, error) {
	switch {
	case bbox != "" && regionFile != "":
		return nil, fmt.Errorf("--bbox and --region-file are mutually exclusive")
	case bbox != "":
		return polygonFromBBox(bbox)
	case regionFile != "":
		data, err := os.ReadFile(regionFile)
		if err != nil {
			return nil, fmt.Errorf("read region file: %w", err)
		}
		var polygon orb.Polygon
		if err := json.Unmarshal(data, &polygon); err != nil {
			return nil, fmt.Errorf("parse region file: %w", err)
		}
		return polygon, nil
	default:
		return nil, fmt.Errorf("either --bbox or --region-file is required")
	}
}

func polygonFromBBox(bbox string) (orb.Polygon, error) {
	parts := strings.Split(bbox, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("bbox must have four comma-separated values")
	}
	vals := make([]float64, 4)
	for i, part := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, fmt.Errorf("parse bbox value %q: %w", part, err)
		}
		vals[i] = v
	}
	minLng, minLat, maxLng, maxLat := vals[0], vals[1], vals[2], vals[3]
	if minLng >= maxLng || minLat >= maxLat {
		return nil, fmt.Errorf("bbox min values must be below max values")
	}
	return orb.Polygon{{
		{minLng, minLat},
		{maxLng, minLat},
		{maxLng, maxLat},
		{minLng, maxLat},
		{minLng, minLat},
	}}, nil
}
