package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/skeindb/skein/pkg/config"
	"github.com/skeindb/skein/pkg/graph"
	"github.com/skeindb/skein/pkg/search"
	"github.com/skeindb/skein/pkg/skein"
)

var (
	configPath string
	asJSON     bool
)

var rootCmd = &cobra.Command{
	Use:   "skein",
	Short: "CLI for the skein knowledge base engine",
	Long: `Manage an ontology-driven knowledge base: import record bundles,
run hybrid search over the derived index, and walk the entity graph.

Queries issued from this CLI use full-text ranking only; hybrid
vector search requires an embedding provider wired in through the
library API.`,
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func openEngine() (*skein.Engine, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return skein.Open(cfg)
}

// parseRef reads either --id or --key identity pairs into a node reference.
func parseRef(cmd *cobra.Command) (graph.NodeRef, error) {
	id, _ := cmd.Flags().GetInt64("id")
	pairs, _ := cmd.Flags().GetStringSlice("key")

	if id != 0 && len(pairs) > 0 {
		return graph.NodeRef{}, fmt.Errorf("use either --id or --key, not both")
	}
	if id != 0 {
		return graph.NodeRef{ID: id}, nil
	}
	if len(pairs) == 0 {
		return graph.NodeRef{}, fmt.Errorf("node reference required: --id <n> or --key field=value")
	}
	identity := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		field, value, ok := strings.Cut(pair, "=")
		if !ok {
			return graph.NodeRef{}, fmt.Errorf("invalid identity pair %q, expected field=value", pair)
		}
		identity[strings.TrimSpace(field)] = strings.TrimSpace(value)
	}
	return graph.NodeRef{Identity: identity}, nil
}

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the knowledge base",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		types, _ := cmd.Flags().GetStringSlice("type")
		limit, _ := cmd.Flags().GetInt("limit")
		var alpha *float64
		if cmd.Flags().Changed("alpha") {
			v, _ := cmd.Flags().GetFloat64("alpha")
			alpha = search.AlphaWeight(v)
		}

		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		results, err := eng.Search(context.Background(), args[0], search.Options{
			NodeTypes: types,
			Limit:     limit,
			Alpha:     alpha,
		})
		if err != nil {
			return err
		}

		if asJSON {
			printJSON(results)
			return nil
		}
		fmt.Printf("Found %d results:\n", len(results))
		for i, r := range results {
			fmt.Printf("%d. %s#%d %s (score: %.4f)\n", i+1, r.Table, r.ID, r.Field, r.Score)
			fmt.Printf("   %s\n", r.Content)
		}
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <bundle.json>",
	Short: "Import a record bundle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		remove, _ := cmd.Flags().GetBool("rm")

		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		res, err := eng.ImportBundle(context.Background(), args[0], remove)
		if err != nil {
			return err
		}

		if asJSON {
			printJSON(res)
			return nil
		}
		for typ, n := range res.Upserts {
			fmt.Printf("upserted %-20s %d\n", typ, n)
		}
		for typ, n := range res.Deletes {
			fmt.Printf("deleted  %-20s %d\n", typ, n)
		}
		fmt.Printf("index rows rebuilt: %d\n", res.IndexRows)
		if res.Exported > 0 {
			fmt.Printf("data directory updated (%d rows)\n", res.Exported)
		}
		return nil
	},
}

var neighborsCmd = &cobra.Command{
	Use:   "neighbors <node-type>",
	Short: "List a node's direct neighbors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRef(cmd)
		if err != nil {
			return err
		}
		edges, _ := cmd.Flags().GetStringSlice("edge")
		direction, _ := cmd.Flags().GetString("direction")
		limit, _ := cmd.Flags().GetInt("limit")

		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		res, err := eng.GetNeighbors(context.Background(), args[0], ref, graph.NeighborOptions{
			EdgeTypes: edges,
			Direction: direction,
			Limit:     limit,
		})
		if err != nil {
			return err
		}

		if asJSON {
			printJSON(res)
			return nil
		}
		for _, n := range res.Neighbors {
			fmt.Printf("%s %s -> %s#%d\n", n.Direction, n.EdgeType, n.Node.Type, n.Node.ID)
		}
		for et, count := range res.EdgeTypeCounts {
			fmt.Printf("%s: %d total\n", et, count)
		}
		return nil
	},
}

var traverseCmd = &cobra.Command{
	Use:   "traverse <node-type>",
	Short: "Walk the graph outward from a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRef(cmd)
		if err != nil {
			return err
		}
		edges, _ := cmd.Flags().GetStringSlice("edge")
		direction, _ := cmd.Flags().GetString("direction")
		depth, _ := cmd.Flags().GetInt("depth")
		limit, _ := cmd.Flags().GetInt("limit")
		paths, _ := cmd.Flags().GetBool("paths")

		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		res, err := eng.Traverse(context.Background(), args[0], ref, graph.TraverseOptions{
			EdgeTypes:   edges,
			Direction:   direction,
			MaxDepth:    depth,
			Limit:       limit,
			ReturnPaths: paths,
		})
		if err != nil {
			return err
		}

		if asJSON {
			printJSON(res)
			return nil
		}
		if paths {
			for _, p := range res.Paths {
				fmt.Println(formatPath(p))
			}
			return nil
		}
		for _, v := range res.Nodes {
			fmt.Printf("depth %d: %s#%d\n", v.Depth, v.Node.Type, v.Node.ID)
		}
		return nil
	},
}

var pathsCmd = &cobra.Command{
	Use:   "paths <from-type> <to-type>",
	Short: "Find paths between two nodes",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		fromPairs, _ := cmd.Flags().GetStringSlice("from")
		toPairs, _ := cmd.Flags().GetStringSlice("to")
		edges, _ := cmd.Flags().GetStringSlice("edge")
		depth, _ := cmd.Flags().GetInt("depth")
		limit, _ := cmd.Flags().GetInt("limit")

		from, err := identityRef(fromPairs, "--from")
		if err != nil {
			return err
		}
		to, err := identityRef(toPairs, "--to")
		if err != nil {
			return err
		}

		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		found, err := eng.FindPaths(context.Background(), args[0], from, args[1], to, graph.PathsOptions{
			EdgeTypes: edges,
			MaxDepth:  depth,
			Limit:     limit,
		})
		if err != nil {
			return err
		}

		if asJSON {
			printJSON(found)
			return nil
		}
		fmt.Printf("Found %d paths:\n", len(found))
		for _, p := range found {
			fmt.Println(formatPath(p))
		}
		return nil
	},
}

var subgraphCmd = &cobra.Command{
	Use:   "subgraph <node-type>",
	Short: "Extract the subgraph around a node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := parseRef(cmd)
		if err != nil {
			return err
		}
		edges, _ := cmd.Flags().GetStringSlice("edge")
		depth, _ := cmd.Flags().GetInt("depth")
		nodeLimit, _ := cmd.Flags().GetInt("node-limit")
		edgeLimit, _ := cmd.Flags().GetInt("edge-limit")

		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		sg, err := eng.ExtractSubgraph(context.Background(), args[0], ref, graph.SubgraphOptions{
			EdgeTypes: edges,
			MaxDepth:  depth,
			NodeLimit: nodeLimit,
			EdgeLimit: edgeLimit,
		})
		if err != nil {
			return err
		}

		if asJSON {
			printJSON(sg)
			return nil
		}
		fmt.Printf("%d nodes, %d edges", len(sg.Nodes), len(sg.Edges))
		if sg.Truncated {
			fmt.Print(" (truncated)")
		}
		fmt.Println()
		for _, e := range sg.Edges {
			fmt.Printf("%s#%d -%s-> %s#%d\n", e.SourceType, e.SourceID, e.Type, e.TargetType, e.TargetID)
		}
		return nil
	},
}

var sqlCmd = &cobra.Command{
	Use:   "sql <statement>",
	Short: "Run a read-only SQL query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		rows, err := eng.RawSQL(context.Background(), args[0])
		if err != nil {
			return err
		}
		printJSON(rows)
		return nil
	},
}

var recordCmd = &cobra.Command{
	Use:   "record <table> <id>",
	Short: "Fetch a source row by table and id",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q: %w", args[1], err)
		}

		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		rec, err := eng.GetSourceRecord(context.Background(), args[0], id)
		if err != nil {
			return err
		}
		printJSON(rec)
		return nil
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex [node-type]",
	Short: "Rebuild the search index",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeType := ""
		if len(args) == 1 {
			nodeType = args[0]
		}

		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		rows, err := eng.BuildIndex(context.Background(), nodeType)
		if err != nil {
			return err
		}
		fmt.Printf("rebuilt %d index rows\n", rows)
		return nil
	},
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Reclaim stale memo cache entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		n, err := eng.CollectCache(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("reclaimed %d cache entries\n", n)
		return nil
	},
}

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Print the ontology documentation",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := openEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		fmt.Println(eng.Documentation())
		return nil
	},
}

func identityRef(pairs []string, flag string) (graph.NodeRef, error) {
	if len(pairs) == 0 {
		return graph.NodeRef{}, fmt.Errorf("%s field=value is required", flag)
	}
	identity := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		field, value, ok := strings.Cut(pair, "=")
		if !ok {
			return graph.NodeRef{}, fmt.Errorf("invalid identity pair %q, expected field=value", pair)
		}
		identity[strings.TrimSpace(field)] = strings.TrimSpace(value)
	}
	return graph.NodeRef{Identity: identity}, nil
}

func formatPath(p graph.Path) string {
	var b strings.Builder
	for i, n := range p.Nodes {
		if i > 0 {
			e := p.Edges[i-1]
			fmt.Fprintf(&b, " -%s(%s)-> ", e.Type, e.Direction)
		}
		fmt.Fprintf(&b, "%s#%d", n.Type, n.ID)
	}
	return b.String()
}

func addRefFlags(cmd *cobra.Command) {
	cmd.Flags().Int64("id", 0, "Node id")
	cmd.Flags().StringSlice("key", nil, "Identity pair field=value (repeatable)")
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "Output as JSON")

	searchCmd.Flags().StringSlice("type", nil, "Restrict to node types (repeatable)")
	searchCmd.Flags().Int("limit", 0, "Maximum results")
	searchCmd.Flags().Float64("alpha", 0, "Vector weight in rank fusion (0 = keyword only, 1 = vector only; omit for the configured default)")

	importCmd.Flags().Bool("rm", false, "Remove the bundle file after a successful import")

	addRefFlags(neighborsCmd)
	neighborsCmd.Flags().StringSlice("edge", nil, "Restrict to edge types (repeatable)")
	neighborsCmd.Flags().String("direction", "", "Edge direction: out, in, or both")
	neighborsCmd.Flags().Int("limit", 0, "Maximum neighbors")

	addRefFlags(traverseCmd)
	traverseCmd.Flags().StringSlice("edge", nil, "Restrict to edge types (repeatable)")
	traverseCmd.Flags().String("direction", "", "Edge direction: out, in, or both")
	traverseCmd.Flags().Int("depth", 0, "Maximum depth")
	traverseCmd.Flags().Int("limit", 0, "Maximum results")
	traverseCmd.Flags().Bool("paths", false, "Return full paths instead of visited nodes")

	pathsCmd.Flags().StringSlice("from", nil, "Start identity pair field=value (repeatable)")
	pathsCmd.Flags().StringSlice("to", nil, "End identity pair field=value (repeatable)")
	pathsCmd.Flags().StringSlice("edge", nil, "Restrict to edge types (repeatable)")
	pathsCmd.Flags().Int("depth", 0, "Maximum path length")
	pathsCmd.Flags().Int("limit", 0, "Maximum paths")

	addRefFlags(subgraphCmd)
	subgraphCmd.Flags().StringSlice("edge", nil, "Restrict to edge types (repeatable)")
	subgraphCmd.Flags().Int("depth", 0, "Maximum depth")
	subgraphCmd.Flags().Int("node-limit", 0, "Maximum nodes")
	subgraphCmd.Flags().Int("edge-limit", 0, "Maximum edges")

	rootCmd.AddCommand(
		searchCmd,
		importCmd,
		neighborsCmd,
		traverseCmd,
		pathsCmd,
		subgraphCmd,
		sqlCmd,
		recordCmd,
		reindexCmd,
		gcCmd,
		docsCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
