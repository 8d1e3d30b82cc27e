package cmd

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentic-research/strata/container"
	"github.com/agentic-research/strata/internal/bigset"
)

var (
	bs      = bigset.DefaultConfig()
	readers int
	poll    time.Duration
)

func init() {
	for _, c := range []*cobra.Command{bigsetWriteCmd, bigsetReadCmd, bigsetRunCmd} {
		fl := c.Flags()
		fl.IntVar(&bs.Sets, "sets", bs.Sets, "Number of datasets")
		fl.Uint64Var(&bs.Rows, "rows", bs.Rows, "Chunk rows, and rows added per step")
		fl.Uint64Var(&bs.Cols, "cols", bs.Cols, "Chunk columns")
		fl.IntVar(&bs.Steps, "steps", bs.Steps, "Number of steps")
		fl.BoolVar(&bs.TwoD, "two-d", bs.TwoD, "Grow in both dimensions")
	}
	for _, c := range []*cobra.Command{bigsetWriteCmd, bigsetRunCmd} {
		c.Flags().DurationVar(&bs.Interval, "interval", bs.Interval, "Pause between dataset updates")
	}
	for _, c := range []*cobra.Command{bigsetReadCmd, bigsetRunCmd} {
		c.Flags().DurationVar(&poll, "poll", 10*time.Millisecond, "Pause between reader passes")
	}
	bigsetRunCmd.Flags().IntVar(&readers, "readers", 2, "In-process readers to run")

	bigsetCmd.AddCommand(bigsetWriteCmd, bigsetReadCmd, bigsetRunCmd)
	rootCmd.AddCommand(bigsetCmd)
}

var bigsetCmd = &cobra.Command{
	Use:   "bigset",
	Short: "Grow large datasets under a writer while readers verify them",
}

// writerContainer creates the container for a bigset writer. Chunks and
// extents are published together at each explicit flush, so the
// background flusher stays off.
func writerContainer(ctx context.Context) (*container.File, error) {
	cfg.Access.SWMR = false
	bs.Filter = cfg.Filter
	return createContainer(ctx)
}

func runWriter(ctx context.Context, f *container.File) error {
	w, err := bigset.NewWriter(f, bs, log)
	if err != nil {
		return err
	}
	if err := w.Run(ctx); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

var bigsetWriteCmd = &cobra.Command{
	Use:   "write",
	Short: "Create the container and grow the datasets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := writerContainer(cmd.Context())
		if err != nil {
			return err
		}
		if err := runWriter(cmd.Context(), f); err != nil {
			_ = f.CloseFile(cmd.Context())
			return err
		}
		return f.CloseFile(cmd.Context())
	},
}

var bigsetReadCmd = &cobra.Command{
	Use:   "read",
	Short: "Follow a bigset writer from another process and verify every chunk",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContainer(cmd.Context(), true, func(f *container.File) error {
			_, err := bigset.Watch(cmd.Context(), f, bs, poll, log)
			return err
		})
	},
}

var bigsetRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a writer and in-process readers together",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		f, err := writerContainer(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = f.CloseFile(context.Background()) }()

		g, gctx := errgroup.WithContext(ctx)
		for i := range readers {
			r, err := f.NewReader()
			if err != nil {
				return err
			}
			g.Go(func() error {
				defer func() { _ = r.CloseFile(context.Background()) }()
				rep, err := bigset.Watch(gctx, r, bs, poll, log)
				if err == nil {
					log.WithFields(logrus.Fields{"reader": i, "chunks": rep.Chunks}).Info("reader verified")
				}
				return err
			})
		}
		g.Go(func() error { return runWriter(gctx, f) })
		return g.Wait()
	},
}
