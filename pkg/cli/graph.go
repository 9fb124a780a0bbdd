package cli

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/platinummonkey/rolegraph/pkg/graphview"
)

func newGraphCommand() *Command {
	return newCommand("graph", "Print the role hierarchy as a tree", func(fs *flag.FlagSet) func() error {
		cf := addClientFlags(fs)
		role := fs.String("role", "", "Focus on one role")
		direction := fs.String("direction", "", "ancestors, descendants or both (with -role)")
		depth := fs.Int("depth", 0, "Levels to walk from -role (default unlimited)")
		return func() error {
			q := url.Values{}
			if *role != "" {
				q.Set("role", *role)
			}
			if *direction != "" {
				q.Set("direction", *direction)
			}
			if *depth > 0 {
				q.Set("depth", strconv.Itoa(*depth))
			}
			path := "/rbac/graph"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			var graph graphview.CytoscapeGraph
			if err := cf.client().Do(context.Background(), http.MethodGet, path, nil, &graph); err != nil {
				return err
			}
			if *cf.json {
				return printJSON(graph)
			}
			printTree(graph)
			return nil
		}
	})
}

// printTree prints each root followed by its descendants, children sorted by name
func printTree(graph graphview.CytoscapeGraph) {
	nodes := make(map[string]graphview.CytoscapeNodeData, len(graph.Nodes))
	for _, n := range graph.Nodes {
		nodes[n.Data.ID] = n.Data
	}
	children := make(map[string][]string)
	hasParent := make(map[string]bool)
	for _, e := range graph.Edges {
		children[e.Data.Source] = append(children[e.Data.Source], e.Data.Target)
		hasParent[e.Data.Target] = true
	}
	byName := func(ids []string) {
		sort.Slice(ids, func(i, j int) bool { return nodes[ids[i]].Name < nodes[ids[j]].Name })
	}

	var roots []string
	for id := range nodes {
		if !hasParent[id] {
			roots = append(roots, id)
		}
	}
	byName(roots)

	var walk func(id string, level int)
	walk = func(id string, level int) {
		n := nodes[id]
		var marks []string
		if n.Type != graphview.NodeRole && n.Type != graphview.NodeRoot {
			marks = append(marks, n.Type)
		}
		if n.Protected {
			marks = append(marks, "protected")
		}
		suffix := ""
		if len(marks) > 0 {
			suffix = " [" + strings.Join(marks, ", ") + "]"
		}
		fmt.Fprintf(stdout, "%s%s (%s) rules=%d%s\n", strings.Repeat("  ", level), n.Name, n.ID, n.Rules, suffix)

		kids := children[id]
		byName(kids)
		for _, child := range kids {
			walk(child, level+1)
		}
	}
	for _, id := range roots {
		walk(id, 0)
	}
	fmt.Fprintf(stdout, "Generation %d: %d roles\n", graph.Generation, len(nodes))
}

func newImpactCommand() *Command {
	return newCommand("impact", "Show what inherits from a role", func(fs *flag.FlagSet) func() error {
		cf := addClientFlags(fs)
		role := fs.String("role", "", "Role ID")
		return func() error {
			if err := required(map[string]string{"role": *role}); err != nil {
				return err
			}
			var analysis graphview.ImpactAnalysis
			if err := cf.client().Do(context.Background(), http.MethodGet, rolePath(*role)+"/impact", nil, &analysis); err != nil {
				return err
			}
			if *cf.json {
				return printJSON(analysis)
			}
			fmt.Fprintf(stdout, "Role %s reaches %d descendant roles (%d active) through %d inherited rules\n",
				analysis.Role.Name, analysis.TotalImpact, analysis.ActiveDescendants, len(analysis.InheritedRules))
			for _, d := range analysis.Descendants {
				fmt.Fprintf(stdout, "  %s (%s)\n", d.Name, d.ID)
			}
			if analysis.ProtectedDescendant {
				fmt.Fprintln(stdout, "Warning: a protected role inherits from this role")
			}
			return nil
		}
	})
}
