// Package output renders query and ingestion results for the terminal.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"

	"github.com/ritzau/infragraph/pkg/ingest"
	"github.com/ritzau/infragraph/pkg/model"
	"github.com/ritzau/infragraph/pkg/query"
)

// Color definitions
var (
	bold   = color.New(color.Bold)
	red    = color.New(color.FgRed)
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	cyan   = color.New(color.FgCyan)
	faint  = color.New(color.Faint)
)

// Printer writes results either as colored text or as indented JSON.
type Printer struct {
	w    io.Writer
	json bool
}

// NewPrinter creates a printer writing to w.
func NewPrinter(w io.Writer, asJSON bool) *Printer {
	return &Printer{w: w, json: asJSON}
}

func (p *Printer) encode(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Node prints one node with its properties.
func (p *Printer) Node(n model.Node) error {
	if p.json {
		return p.encode(n)
	}
	bold.Fprintln(p.w, n.ID)
	fmt.Fprintf(p.w, "  name: %s\n  type: %s\n", n.Name, n.Type)
	p.properties(n.Properties, "  ")
	return nil
}

func (p *Printer) properties(props model.Properties, indent string) {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cyan.Fprintf(p.w, "%s%s", indent, k)
		fmt.Fprintf(p.w, " = %v\n", props[k])
	}
}

// Nodes prints a node list, one per line.
func (p *Printer) Nodes(nodes []model.Node) error {
	if p.json {
		if nodes == nil {
			nodes = []model.Node{}
		}
		return p.encode(nodes)
	}
	if len(nodes) == 0 {
		yellow.Fprintln(p.w, "No matching nodes")
		return nil
	}
	for _, n := range nodes {
		fmt.Fprintf(p.w, "%s ", n.ID)
		faint.Fprintf(p.w, "(%s)\n", n.Type)
	}
	return nil
}

// Traversal prints a downstream or upstream result grouped by depth.
func (p *Printer) Traversal(t *query.Traversal) error {
	if p.json {
		return p.encode(t)
	}
	label := "Dependencies of"
	if t.Direction == query.Incoming.String() {
		label = "Dependents of"
	}
	bold.Fprintf(p.w, "%s %s", label, t.Start)
	faint.Fprintf(p.w, " (max depth %d)\n", t.MaxDepth)
	if len(t.Nodes) == 0 {
		yellow.Fprintln(p.w, "  none")
		return nil
	}
	for _, n := range t.Nodes {
		fmt.Fprintf(p.w, "%s%s ", strings.Repeat("  ", n.Depth), n.ID)
		faint.Fprintf(p.w, "(%s)\n", n.Type)
	}
	return nil
}

func severityColor(s query.Severity) *color.Color {
	switch s {
	case query.SeverityHigh:
		return red
	case query.SeverityMedium:
		return yellow
	default:
		return green
	}
}

// BlastRadius prints the impact summary, the affected teams and the
// affected nodes.
func (p *Printer) BlastRadius(br *query.BlastRadius) error {
	if p.json {
		return p.encode(br)
	}
	bold.Fprintf(p.w, "Blast radius of %s\n", br.Node)
	fmt.Fprint(p.w, "Severity: ")
	severityColor(br.Severity).Fprintln(p.w, strings.ToUpper(string(br.Severity)))
	fmt.Fprintf(p.w, "Affected: %d node(s), %d team(s)\n", br.AffectedCount, br.TeamCount)
	if br.AffectedCount == 0 {
		green.Fprintln(p.w, "✓ No direct impact")
		return nil
	}

	if len(br.Teams) > 0 {
		fmt.Fprintln(p.w)
		bold.Fprintln(p.w, "TEAMS:")
		for _, team := range br.Teams {
			cyan.Fprintf(p.w, "  %s", team.Team)
			fmt.Fprintf(p.w, " (%d)\n", len(team.Affected))
			if contact := contactLine(team.Lead, team.SlackChannel, team.Oncall); contact != "" {
				faint.Fprintf(p.w, "    %s\n", contact)
			}
		}
	}

	fmt.Fprintln(p.w)
	bold.Fprintln(p.w, "AFFECTED:")
	for _, n := range br.Affected {
		fmt.Fprintf(p.w, "  %s ", n.ID)
		faint.Fprintf(p.w, "(depth %d)\n", n.Depth)
	}
	if len(br.Unowned) > 0 {
		yellow.Fprintf(p.w, "Unowned: %s\n", strings.Join(br.Unowned, ", "))
	}
	return nil
}

func contactLine(lead, slack, oncall string) string {
	var parts []string
	if lead != "" {
		parts = append(parts, "lead "+lead)
	}
	if slack != "" {
		parts = append(parts, "slack "+slack)
	}
	if oncall != "" {
		parts = append(parts, "oncall "+oncall)
	}
	return strings.Join(parts, ", ")
}

// Path prints a path as a chain of hops.
func (p *Printer) Path(path *query.Path) error {
	if p.json {
		return p.encode(path)
	}
	if !path.Found {
		yellow.Fprintf(p.w, "No path from %s to %s\n", path.From, path.To)
		return nil
	}
	bold.Fprintf(p.w, "Path from %s to %s", path.From, path.To)
	faint.Fprintf(p.w, " (%d hop(s))\n", path.Length)
	fmt.Fprintf(p.w, "  %s\n", path.From)
	for _, h := range path.Hops {
		arrow := "->"
		if h.Reversed {
			arrow = "<-"
		}
		faint.Fprintf(p.w, "  %s %s\n", arrow, h.EdgeType)
		fmt.Fprintf(p.w, "  %s\n", h.To)
	}
	if len(path.Alternatives) > 0 {
		bold.Fprintf(p.w, "Alternatives:\n")
		for _, alt := range path.Alternatives {
			fmt.Fprintf(p.w, "  %s\n", strings.Join(alt, " - "))
		}
	}
	return nil
}

// Owner prints the owning team and how it was resolved.
func (p *Printer) Owner(o *query.Owner) error {
	if p.json {
		return p.encode(o)
	}
	if !o.Owned {
		yellow.Fprintf(p.w, "%s is unowned\n", o.Node)
		return nil
	}
	fmt.Fprintf(p.w, "%s is owned by ", o.Node)
	cyan.Fprintln(p.w, o.Team)
	faint.Fprintf(p.w, "  via %s\n", o.Via)
	if len(o.Teams) > 1 {
		fmt.Fprintf(p.w, "  also: %s\n", strings.Join(o.Teams[1:], ", "))
	}
	if contact := contactLine(o.Lead, o.SlackChannel, o.Oncall); contact != "" {
		fmt.Fprintf(p.w, "  %s\n", contact)
	}
	return nil
}

// Stats prints graph counts.
func (p *Printer) Stats(s *query.Stats) error {
	if p.json {
		return p.encode(s)
	}
	bold.Fprintln(p.w, "Graph Statistics")
	bold.Fprintln(p.w, "================")
	fmt.Fprintf(p.w, "Backend: %s (generation %d)\n", s.Backend, s.Generation)
	fmt.Fprintf(p.w, "Nodes: %d\n", s.Nodes)
	p.counts(s.NodesByType)
	fmt.Fprintf(p.w, "Edges: %d\n", s.Edges)
	p.counts(s.EdgesByType)
	fmt.Fprintf(p.w, "Components: %d\n", s.Components)
	return nil
}

func (p *Printer) counts(m map[string]int) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cyan.Fprintf(p.w, "  %s", k)
		fmt.Fprintf(p.w, ": %d\n", m[k])
	}
}

// Cycles prints dependency cycles.
func (p *Printer) Cycles(cycles []query.Cycle) error {
	if p.json {
		return p.encode(cycles)
	}
	if len(cycles) == 0 {
		green.Fprintln(p.w, "✓ No dependency cycles")
		return nil
	}
	red.Fprintf(p.w, "%d dependency cycle(s):\n", len(cycles))
	for _, c := range cycles {
		fmt.Fprintf(p.w, "  %s\n", strings.Join(c, " <-> "))
	}
	return nil
}

// IngestReports prints the outcome of each applied source.
func (p *Printer) IngestReports(reports []ingest.Report) error {
	if p.json {
		return p.encode(reports)
	}
	for _, rep := range reports {
		if rep.Err != nil {
			red.Fprintf(p.w, "✗ %s: %v\n", rep.Source, rep.Err)
			continue
		}
		res := rep.Result
		green.Fprintf(p.w, "✓ %s", rep.Source)
		fmt.Fprintf(p.w, ": nodes +%d ~%d, edges +%d ~%d\n",
			res.NodesAdded, res.NodesUpdated, res.EdgesAdded, res.EdgesUpdated)
		for _, d := range res.Dropped {
			yellow.Fprintf(p.w, "  dropped %s: %s\n", d.Edge.Key(), d.Reason)
		}
		for _, w := range res.Warnings {
			yellow.Fprintf(p.w, "  %s\n", w)
		}
	}
	return nil
}
