package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rtm0/era5fetch/internal/cds"
	"github.com/rtm0/era5fetch/internal/config"
	"github.com/rtm0/era5fetch/internal/download"
	"github.com/rtm0/era5fetch/internal/era5"
	"github.com/rtm0/era5fetch/internal/pipeline"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "era5fetch",
		Short: "Download ERA5 single-level reanalysis data and export one CSV per grid point",
		Long: `era5fetch downloads hourly ERA5 single-level data for a range of years and a
bounding box, combines the yearly grids into <file-name>.nc, derives wind speed
and direction, and writes <file-name>_<lat>_<lon>.csv for every grid point.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, time.Now())
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
				return err
			}
			logger := slog.New(slog.NewTextHandler(cmd.OutOrStdout(), &slog.HandlerOptions{Level: cfg.LogLevel}))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, logger, cfg)
		},
	}
	if err := config.AddFlags(cmd.Flags(), v); err != nil {
		panic(err)
	}
	return cmd
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.Config) error {
	if err := era5.Columns.Validate(); err != nil {
		logger.Error("Invalid column map", "err", err)
		return err
	}

	archive := &lazyArchive{newClient: func() (*cds.Client, error) {
		cli, err := cds.NewClient(logger, cfg.CDSURL, cfg.CDSKey, cfg.Workers)
		if err != nil {
			logger.Error("Could not create new CDS client", "err", err)
		}
		return cli, err
	}}
	defer archive.Close()

	return execute(ctx, logger, archive, cfg)
}

// lazyArchive creates the CDS client on the first download, so runs served
// from the combined dataset need no archive credentials.
type lazyArchive struct {
	newClient func() (*cds.Client, error)

	once sync.Once
	cli  *cds.Client
	err  error
}

func (a *lazyArchive) Retrieve(ctx context.Context, dataset string, req cds.Request, dst io.Writer) error {
	a.once.Do(func() {
		a.cli, a.err = a.newClient()
	})
	if a.err != nil {
		return a.err
	}
	return a.cli.Retrieve(ctx, dataset, req, dst)
}

// Close releases the client if one was created. It must not race Retrieve.
func (a *lazyArchive) Close() {
	if a.cli != nil {
		a.cli.Close()
	}
}

func execute(ctx context.Context, logger *slog.Logger, archive download.Archive, cfg *config.Config) error {
	start := time.Now()
	p := pipeline.New(logger, archive, pipeline.Options{
		DataDir:       cfg.DataDir,
		BaseName:      cfg.BaseName,
		Years:         cfg.Years,
		Area:          cfg.Area,
		Workers:       cfg.Workers,
		LoadWorkers:   cfg.LoadWorkers,
		ExportWorkers: cfg.ExportWorkers,
		TZOffset:      cfg.TZOffset,
	})
	rep, err := p.Run(ctx)
	if err != nil {
		logger.Error("Run failed", "err", err, "failedYears", failedYears(rep))
		return err
	}

	var exported int
	for _, r := range rep.Exports {
		if r.Err == nil {
			exported++
		}
	}
	logger.Info("done",
		"cacheHit", rep.CacheHit,
		"failedYears", rep.FailedYears(),
		"skipped", len(rep.SkippedYears()),
		"files", fmt.Sprintf("%d/%d", exported, len(rep.Exports)),
		"rows", rep.ExportedRows,
		"in", time.Since(start).Round(time.Second))
	if err := rep.Err(); err != nil {
		logger.Error("Run finished with failures", "err", err)
		return err
	}
	return nil
}

func failedYears(rep *pipeline.Report) []int {
	if rep == nil {
		return nil
	}
	return rep.FailedYears()
}
