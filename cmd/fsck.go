package cmd

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/agentic-research/strata/api"
	"github.com/agentic-research/strata/container"
)

func init() {
	rootCmd.AddCommand(fsckCmd)
}

var fsckCmd = &cobra.Command{
	Use:   "fsck",
	Short: "Read every object and chunk reachable from the root",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContainer(cmd.Context(), true, func(f *container.File) error {
			res := check(cmd.Context(), f)
			entry := log.WithFields(logrus.Fields{
				"epoch":    f.Epoch(),
				"objects":  res.objects,
				"chunks":   res.chunks,
				"problems": len(res.problems),
			})
			if len(res.problems) == 0 {
				entry.Info("container is consistent")
				return nil
			}
			for _, p := range res.problems {
				log.WithError(p).Warn("fsck")
			}
			entry.Error("container has problems")
			return fmt.Errorf("%d problems: %w", len(res.problems), api.ErrInconsistent)
		})
	},
}

type fsckResult struct {
	objects  int
	chunks   int
	problems []error
}

// check walks the namespace breadth first and reads every chunk of every
// dataset once. A problem with one object does not stop the walk.
func check(ctx context.Context, f *container.File) fsckResult {
	var res fsckResult
	seen := map[uint64]bool{}
	queue := []string{"/"}
	for len(queue) > 0 && ctx.Err() == nil {
		g := queue[0]
		queue = queue[1:]
		members, err := f.List(f.ID(), g, api.IndexName)
		if err != nil {
			res.problems = append(res.problems, fmt.Errorf("list %s: %w", g, err))
			continue
		}
		res.objects++
		for _, m := range members {
			if seen[m.Addr] {
				continue
			}
			seen[m.Addr] = true
			p := path.Join(g, m.Name)
			switch m.Kind {
			case api.KindGroup:
				queue = append(queue, p)
			case api.KindDataset:
				res.objects++
				n, err := checkDataset(ctx, f, p)
				res.chunks += n
				if err != nil {
					res.problems = append(res.problems, fmt.Errorf("dataset %s: %w", p, err))
				}
			}
		}
	}
	if err := ctx.Err(); err != nil {
		res.problems = append(res.problems, err)
	}
	return res
}

func checkDataset(ctx context.Context, f *container.File, name string) (n int, err error) {
	id, err := f.OpenDataset(f.ID(), name)
	if err != nil {
		return 0, err
	}
	defer func() { err = errors.Join(err, f.Close(id)) }()
	info, err := f.DatasetInfo(id)
	if err != nil {
		return 0, err
	}
	err = eachChunk(info.Dims, info.Chunk, func(slab container.Slab) error {
		if _, err := f.ReadRegion(ctx, id, slab); err != nil {
			return fmt.Errorf("chunk at %v: %w", slab.Start, err)
		}
		n++
		return nil
	})
	return n, err
}

// eachChunk calls fn with the part of every chunk that lies inside dims.
func eachChunk(dims, chunk []uint64, fn func(container.Slab) error) error {
	for _, d := range dims {
		if d == 0 {
			return nil
		}
	}
	start := make([]uint64, len(dims))
	for {
		slab := container.Slab{Start: append([]uint64(nil), start...), Count: make([]uint64, len(dims))}
		for i := range dims {
			slab.Count[i] = min(chunk[i], dims[i]-start[i])
		}
		if err := fn(slab); err != nil {
			return err
		}
		i := len(dims) - 1
		for ; i >= 0; i-- {
			start[i] += chunk[i]
			if start[i] < dims[i] {
				break
			}
			start[i] = 0
		}
		if i < 0 {
			return nil
		}
	}
}
