package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agentic-research/strata/api"
	"github.com/agentic-research/strata/container"
)

var (
	parents    bool
	trackOrder bool
	byCorder   bool
	elemSize   uint32
	dims       []string
	maxDims    []string
	chunkDims  []string
	filterName string
)

func init() {
	mkgroupCmd.Flags().BoolVar(&parents, "parents", false, "Create missing intermediate groups")
	mkgroupCmd.Flags().BoolVar(&trackOrder, "track-order", false, "Track and index link creation order")

	mkdatasetCmd.Flags().BoolVar(&parents, "parents", false, "Create missing intermediate groups")
	mkdatasetCmd.Flags().Uint32Var(&elemSize, "elem-size", 4, "Element size in bytes")
	mkdatasetCmd.Flags().StringSliceVar(&dims, "dims", nil, "Initial extent, e.g. 256,512")
	mkdatasetCmd.Flags().StringSliceVar(&maxDims, "max-dims", nil, "Maximum extent; 'unlimited' for unbounded")
	mkdatasetCmd.Flags().StringSliceVar(&chunkDims, "chunk", nil, "Chunk shape")
	mkdatasetCmd.Flags().StringVar(&filterName, "filter", "", "Chunk codec: none, lz4 or zstd (default from config)")
	_ = mkdatasetCmd.MarkFlagRequired("dims")
	_ = mkdatasetCmd.MarkFlagRequired("chunk")

	lsCmd.Flags().BoolVar(&byCorder, "creation-order", false, "List in link creation order")

	lnCmd.Flags().BoolVar(&parents, "parents", false, "Create missing intermediate groups")

	rootCmd.AddCommand(createCmd, mkgroupCmd, mkdatasetCmd, lnCmd, rmCmd, lsCmd, infoCmd)
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an empty container",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := createContainer(cmd.Context())
		if err != nil {
			return err
		}
		log.WithField("epoch", f.Epoch()).Info("container created")
		return f.CloseFile(cmd.Context())
	},
}

var mkgroupCmd = &cobra.Command{
	Use:   "mkgroup PATH",
	Short: "Create a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContainer(cmd.Context(), false, func(f *container.File) error {
			gcpl := cfg.Group
			if trackOrder {
				gcpl.TrackCreationOrder = true
				gcpl.IndexCreationOrder = true
			}
			id, err := f.CreateGroup(f.ID(), args[0], api.LinkCreateProps{IntermediateGroups: parents}, gcpl)
			if err != nil {
				return err
			}
			return f.Close(id)
		})
	},
}

var mkdatasetCmd = &cobra.Command{
	Use:   "mkdataset PATH",
	Short: "Create a chunked dataset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dcpl := api.DatasetCreateProps{ElemSize: elemSize, Filter: cfg.Filter}
		var err error
		if dcpl.Dims, err = parseDims(dims); err != nil {
			return fmt.Errorf("--dims: %w", err)
		}
		if dcpl.Chunk, err = parseDims(chunkDims); err != nil {
			return fmt.Errorf("--chunk: %w", err)
		}
		if len(maxDims) > 0 {
			if dcpl.MaxDims, err = parseDims(maxDims); err != nil {
				return fmt.Errorf("--max-dims: %w", err)
			}
		}
		if filterName != "" {
			if dcpl.Filter, err = api.ParseFilter(filterName); err != nil {
				return err
			}
		}
		return withContainer(cmd.Context(), false, func(f *container.File) error {
			id, err := f.CreateDataset(f.ID(), args[0], api.LinkCreateProps{IntermediateGroups: parents}, dcpl)
			if err != nil {
				return err
			}
			return f.Close(id)
		})
	},
}

var lnCmd = &cobra.Command{
	Use:   "ln TARGET NAME",
	Short: "Add a hard link NAME to the object at TARGET",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContainer(cmd.Context(), false, func(f *container.File) error {
			return f.HardLink(f.ID(), args[0], f.ID(), args[1], api.LinkCreateProps{IntermediateGroups: parents})
		})
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm PATH",
	Short: "Remove a link; objects left without links are reclaimed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withContainer(cmd.Context(), false, func(f *container.File) error {
			return f.Unlink(f.ID(), args[0])
		})
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls [GROUP]",
	Short: "List the links of a group",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		group := "/"
		if len(args) == 1 {
			group = args[0]
		}
		index := api.IndexName
		if byCorder {
			index = api.IndexCreationOrder
		}
		return withContainer(cmd.Context(), true, func(f *container.File) error {
			members, err := f.List(f.ID(), group, index)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			for _, m := range members {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", m.Name, m.Kind, m.Addr, m.Corder)
			}
			return tw.Flush()
		})
	},
}

// objectReport is what info prints.
type objectReport struct {
	Path    string           `json:"path"`
	Epoch   uint64           `json:"epoch"`
	Object  api.ObjectInfo   `json:"object"`
	Group   *api.GroupInfo   `json:"group,omitempty"`
	Dataset *api.DatasetInfo `json:"dataset,omitempty"`
}

var infoCmd = &cobra.Command{
	Use:   "info [PATH]",
	Short: "Describe an object as JSON",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := "/"
		if len(args) == 1 {
			name = args[0]
		}
		return withContainer(cmd.Context(), true, func(f *container.File) error {
			rep, err := describe(f, name)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		})
	},
}

func describe(f *container.File, name string) (objectReport, error) {
	obj, err := f.Lookup(f.ID(), name)
	if err != nil {
		return objectReport{}, err
	}
	rep := objectReport{Path: name, Epoch: f.Epoch(), Object: obj}
	switch obj.Kind {
	case api.KindGroup:
		gi, err := f.GetInfoByName(f.ID(), name)
		if err != nil {
			return rep, err
		}
		rep.Group = &gi
	case api.KindDataset:
		id, err := f.OpenDataset(f.ID(), name)
		if err != nil {
			return rep, err
		}
		di, err := f.DatasetInfo(id)
		if cerr := f.Close(id); err == nil {
			err = cerr
		}
		if err != nil {
			return rep, err
		}
		rep.Dataset = &di
	}
	return rep, nil
}

// parseDims parses a list of dimensions; "unlimited" or "*" stands for
// api.Unlimited.
func parseDims(in []string) ([]uint64, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("no dimensions: %w", api.ErrInvalidArgument)
	}
	out := make([]uint64, len(in))
	for i, s := range in {
		s = strings.TrimSpace(s)
		if s == "unlimited" || s == "*" {
			out[i] = api.Unlimited
			continue
		}
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("dimension %q: %w", s, api.ErrInvalidArgument)
		}
		out[i] = n
	}
	return out, nil
}
