package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ritzau/infragraph/pkg/api"
	"github.com/ritzau/infragraph/pkg/ingest"
	"github.com/ritzau/infragraph/pkg/query"
	"github.com/ritzau/infragraph/pkg/storage"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
			srv := api.NewServer(api.Options{
				Backend:  a.opened.Backend,
				Engine:   a.engine,
				Gate:     a.gate,
				Degraded: a.opened.Degraded,
			})
			return srv.Run(cmd.Context(), a.cfg.HTTP.Addr)
		}),
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	return cmd
}

func newIngestCmd() *cobra.Command {
	var prune bool
	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Apply batch files (YAML or JSON) to the graph",
		Long: `Apply one or more batch files. Each file is a connector batch with
nodes and edges; its base name is the default source name.

Edges whose endpoints are missing are dropped and reported. With --prune,
nodes and edges previously ingested from the same source but absent from the
file are deleted.`,
		Args: cobra.MinimumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			sources := make([]ingest.Source, len(args))
			for i, path := range args {
				sources[i] = ingest.NewFileSource(path)
			}
			reports, err := a.gate.ApplySources(cmd.Context(), sources...)
			if perr := a.printer.IngestReports(reports); perr != nil {
				return perr
			}
			if err != nil {
				return err
			}
			if !prune {
				return nil
			}
			for i, rep := range reports {
				batch, lerr := sources[i].Load(cmd.Context())
				if lerr != nil {
					return lerr
				}
				if _, perr := a.gate.PruneSource(cmd.Context(), rep.Result.Source, batch.Keep()); perr != nil {
					return perr
				}
			}
			return nil
		}),
	}
	cmd.Flags().BoolVar(&prune, "prune", false, "delete nodes and edges of the same source that the file no longer lists")
	return cmd
}

// traversalFlags are shared by the traversal subcommands.
type traversalFlags struct {
	depth     int
	edgeTypes []string
	mode      string
}

func (f *traversalFlags) register(cmd *cobra.Command, withMode bool) {
	cmd.Flags().IntVar(&f.depth, "depth", -1, "maximum traversal depth (default: configured)")
	cmd.Flags().StringSliceVar(&f.edgeTypes, "edge-types", nil, "only follow these edge types")
	if withMode {
		cmd.Flags().StringVar(&f.mode, "mode", "", "path mode: undirected or outgoing (default: configured)")
	}
}

func (f *traversalFlags) options(cmd *cobra.Command) ([]query.Option, error) {
	var opts []query.Option
	if cmd.Flags().Changed("depth") {
		opts = append(opts, query.WithMaxDepth(f.depth))
	}
	if len(f.edgeTypes) > 0 {
		opts = append(opts, query.WithEdgeTypes(f.edgeTypes...))
	}
	if f.mode != "" {
		mode, err := query.ParsePathMode(f.mode)
		if err != nil {
			return nil, err
		}
		opts = append(opts, query.WithPathMode(mode))
	}
	return opts, nil
}

func newQueryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Ask questions about the graph",
	}

	node := &cobra.Command{
		Use:   "node <id>",
		Short: "Show one node",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			n, err := a.engine.GetNode(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.printer.Node(n)
		}),
	}

	var filter storage.Filter
	nodes := &cobra.Command{
		Use:   "nodes",
		Short: "List nodes matching a filter",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
			list, err := a.engine.GetNodes(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return a.printer.Nodes(list)
		}),
	}
	nodes.Flags().StringVar(&filter.Type, "type", "", "node type")
	nodes.Flags().StringVar(&filter.Team, "team", "", "team property")
	nodes.Flags().StringVar(&filter.Environment, "environment", "", "environment property")
	nodes.Flags().IntVar(&filter.Limit, "limit", 0, "maximum number of nodes (0 for all)")

	var downFlags, upFlags, blastFlags, pathFlags traversalFlags

	downstream := &cobra.Command{
		Use:   "downstream <id>",
		Short: "What a node depends on",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			opts, err := downFlags.options(cmd)
			if err != nil {
				return err
			}
			t, err := a.engine.Downstream(cmd.Context(), args[0], opts...)
			if err != nil {
				return err
			}
			return a.printer.Traversal(t)
		}),
	}
	downFlags.register(downstream, false)

	upstream := &cobra.Command{
		Use:   "upstream <id>",
		Short: "What depends on a node",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			opts, err := upFlags.options(cmd)
			if err != nil {
				return err
			}
			t, err := a.engine.Upstream(cmd.Context(), args[0], opts...)
			if err != nil {
				return err
			}
			return a.printer.Traversal(t)
		}),
	}
	upFlags.register(upstream, false)

	blast := &cobra.Command{
		Use:     "blast <id>",
		Aliases: []string{"blast-radius", "impact"},
		Short:   "What breaks if a node fails",
		Args:    cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			opts, err := blastFlags.options(cmd)
			if err != nil {
				return err
			}
			br, err := a.engine.BlastRadius(cmd.Context(), args[0], opts...)
			if err != nil {
				return err
			}
			return a.printer.BlastRadius(br)
		}),
	}
	blastFlags.register(blast, false)

	path := &cobra.Command{
		Use:   "path <from> <to>",
		Short: "Shortest connection between two nodes",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			opts, err := pathFlags.options(cmd)
			if err != nil {
				return err
			}
			p, err := a.engine.Path(cmd.Context(), args[0], args[1], opts...)
			if err != nil {
				return err
			}
			return a.printer.Path(p)
		}),
	}
	pathFlags.register(path, true)

	owner := &cobra.Command{
		Use:   "owner <id>",
		Short: "Which team owns a node",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			o, err := a.engine.GetOwner(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.printer.Owner(o)
		}),
	}

	cmd.AddCommand(node, nodes, downstream, upstream, blast, path, owner)
	return cmd
}

func newExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the whole graph as JSON",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
			w := cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return storage.Export(cmd.Context(), a.opened.Backend, w)
		}),
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "output file (default stdout)")
	return cmd
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import [file]",
		Short: "Merge a graph JSON export into the graph",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			var r io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			stats, err := storage.Import(cmd.Context(), a.opened.Backend, r)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d node(s), %d edge(s), dropped %d\n",
				stats.Nodes, stats.Edges, stats.Dropped)
			return nil
		}),
	}
}

func newStatsCmd() *cobra.Command {
	var cycles bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show graph counts and dependency cycles",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, _ []string, a *app) error {
			s, err := a.engine.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.printer.Stats(s); err != nil {
				return err
			}
			if a.opened.Degraded {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s unavailable, running in memory: %v\n",
					a.opened.Requested, a.opened.Cause)
			}
			if !cycles {
				return nil
			}
			c, err := a.engine.Cycles(cmd.Context())
			if err != nil {
				return err
			}
			return a.printer.Cycles(c)
		}),
	}
	cmd.Flags().BoolVar(&cycles, "cycles", true, "also report dependency cycles")
	return cmd
}
