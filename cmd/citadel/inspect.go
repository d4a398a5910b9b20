package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/citadel-dev/citadel/internal/beads"
	"github.com/citadel-dev/citadel/internal/config"
	"github.com/citadel-dev/citadel/internal/graph"
	"github.com/citadel-dev/citadel/internal/queue"
)

func newInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <beadId>",
		Short: "Show a bead, its ticket history, and its molecule subtree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runInspect(cmd, cfg, args[0])
		},
	}
}

func runInspect(cmd *cobra.Command, cfg *config.Config, beadID string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := configureLogger("error", cfg.Log.Format)

	store := beads.NewBD(config.ExpandHome(cfg.Beads.Path), cfg.Beads.Binary, cfg.Beads.AutoSync, logger)
	b, err := store.Show(ctx, beadID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printBead(out, b)

	if err := printTickets(out, cfg, beadID); err != nil {
		return err
	}

	return printSubtree(ctx, out, store, b)
}

func printBead(out io.Writer, b *beads.Bead) {
	fmt.Fprintf(out, "%s  %s\n", b.ID, b.Title)
	fmt.Fprintf(out, "  status: %s  priority: %d", b.Status, b.Priority)
	if b.Assignee != "" {
		fmt.Fprintf(out, "  assignee: %s", b.Assignee)
	}
	fmt.Fprintln(out)
	if b.Type != "" {
		fmt.Fprintf(out, "  type: %s\n", b.Type)
	}
	if b.ParentID != "" {
		fmt.Fprintf(out, "  parent: %s\n", b.ParentID)
	}
	if len(b.Labels) > 0 {
		fmt.Fprintf(out, "  labels: %s\n", strings.Join(b.Labels, ", "))
	}
	if len(b.Blockers) > 0 {
		fmt.Fprintf(out, "  blockers: %s\n", strings.Join(b.Blockers, ", "))
	}
	if b.AcceptanceTest != "" {
		fmt.Fprintf(out, "  acceptance: %s\n", b.AcceptanceTest)
	}
	if len(b.Context) > 0 {
		keys := make([]string, 0, len(b.Context))
		for k := range b.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprint(out, "  context:")
		for _, k := range keys {
			fmt.Fprintf(out, " %s=%v", k, b.Context[k])
		}
		fmt.Fprintln(out)
	}
	if b.Description != "" {
		fmt.Fprintf(out, "\n%s\n", b.Description)
	}
}

func printTickets(out io.Writer, cfg *config.Config, beadID string) error {
	queuePath := config.ExpandHome(cfg.Queue.Path)
	if _, err := os.Stat(queuePath); os.IsNotExist(err) {
		fmt.Fprintf(out, "\nno ticket database at %s\n", queuePath)
		return nil
	}

	q, err := queue.Open(queuePath)
	if err != nil {
		return err
	}
	defer q.Close()

	tickets, err := q.GetTicketsByBead(beadID)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "\nTICKETS (%d)\n", len(tickets))
	if len(tickets) == 0 {
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tROLE\tRETRIES\tASSIGNEE\tCOMPLETED")
	for _, tk := range tickets {
		assignee := tk.AssigneeID
		if assignee == "" {
			assignee = "-"
		}
		completed := "-"
		if !tk.CompletedAt.IsZero() {
			completed = tk.CompletedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", shortID(tk.ID), tk.Status, tk.Role, tk.RetryCount, assignee, completed)
	}
	return w.Flush()
}

// printSubtree walks parent links from the given bead down, showing the
// molecule as bd currently has it.
func printSubtree(ctx context.Context, out io.Writer, store beads.Store, root *beads.Bead) error {
	children := make(map[string][]*beads.Bead)
	for _, st := range []beads.Status{beads.StatusOpen, beads.StatusInProgress, beads.StatusVerify, beads.StatusDone} {
		list, err := store.List(ctx, beads.ListOptions{Status: st})
		if err != nil {
			return err
		}
		for _, b := range list {
			if b.ParentID != "" {
				children[b.ParentID] = append(children[b.ParentID], b)
			}
		}
	}
	if len(children[root.ID]) == 0 {
		return nil
	}

	fmt.Fprintln(out, "\nSUBTREE")
	printTree(out, children, root, 0)
	return nil
}

func printTree(out io.Writer, children map[string][]*beads.Bead, b *beads.Bead, depth int) {
	fmt.Fprintf(out, "%s%s [%s] %s\n", strings.Repeat("  ", depth), b.ID, b.Status, b.Title)
	for _, k := range sortSiblings(children[b.ID]) {
		printTree(out, children, k, depth+1)
	}
}

// sortSiblings orders one level of the subtree so blockers print before
// the beads they block, alphabetical among peers. Blocker edges leaving
// the sibling set are ignored.
func sortSiblings(kids []*beads.Bead) []*beads.Bead {
	if len(kids) < 2 {
		return kids
	}

	byID := make(map[string]*beads.Bead, len(kids))
	g := graph.New()
	for _, k := range kids {
		byID[k.ID] = k
		g.AddNode(k.ID)
	}
	for _, k := range kids {
		for _, dep := range k.Blockers {
			if g.Has(dep) {
				g.AddEdge(k.ID, dep)
			}
		}
	}

	order, err := g.TopoSort()
	if err != nil {
		sort.Slice(kids, func(i, j int) bool { return kids[i].ID < kids[j].ID })
		return kids
	}
	sorted := make([]*beads.Bead, 0, len(kids))
	for _, id := range order {
		sorted = append(sorted, byID[id])
	}
	return sorted
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
