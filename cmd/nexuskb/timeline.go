package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/kumanday/nexus-agents/internal/persistence"
	"github.com/kumanday/nexus-agents/internal/watch"
)

// followDebounce coalesces bursts of WAL writes into one re-render.
const followDebounce = 150 * time.Millisecond

type styles struct {
	header    lipgloss.Style
	dim       lipgloss.Style
	completed lipgloss.Style
	failed    lipgloss.Style
	running   lipgloss.Style
	pending   lipgloss.Style
}

// newStyles binds styles to w so colour is dropped when w is not a terminal.
func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		header:    r.NewStyle().Bold(true),
		dim:       r.NewStyle().Foreground(lipgloss.Color("240")),
		completed: r.NewStyle().Foreground(lipgloss.Color("2")),
		failed:    r.NewStyle().Foreground(lipgloss.Color("1")),
		running:   r.NewStyle().Foreground(lipgloss.Color("3")),
		pending:   r.NewStyle().Foreground(lipgloss.Color("245")),
	}
}

func (s styles) status(st persistence.OperationStatus) string {
	label := fmt.Sprintf("%-9s", st)
	switch st {
	case persistence.OperationCompleted:
		return s.completed.Render(label)
	case persistence.OperationFailed:
		return s.failed.Render(label)
	case persistence.OperationRunning:
		return s.running.Render(label)
	default:
		return s.pending.Render(label)
	}
}

func runTimelineCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("timeline", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "print the timeline as JSON")
	follow := fs.Bool("follow", false, "re-render whenever the database changes")
	pos, ok := parseArgs(fs, args, 1, "timeline <task_id> [-json] [-follow]")
	if !ok {
		return 2
	}
	taskID := pos[0]

	return withApp(ctx, "timeline", func(ctx context.Context, a *app) error {
		render := func() error {
			entries, err := a.store.Timeline(ctx, taskID)
			if err != nil {
				return err
			}
			if *jsonOutput {
				return writeJSON(stdout, entries)
			}
			writeTimeline(stdout, newStyles(stdout), taskID, entries)
			return nil
		}
		if err := render(); err != nil {
			return err
		}
		if !*follow {
			return nil
		}
		return followDB(ctx, a, render)
	})
}

// followDB re-runs render after each change to the database file until ctx
// is cancelled.
func followDB(ctx context.Context, a *app, render func() error) error {
	w := watch.NewWatcher(a.cfg.DBPath, a.logger)
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("watch %s: %w", a.cfg.DBPath, err)
	}
	redraw := isTerminal(stdout)
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-w.Events():
			if !ok {
				return nil
			}
			timer := time.NewTimer(followDebounce)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			if redraw {
				fmt.Fprint(stdout, "\033[H\033[2J")
			}
			if err := render(); err != nil {
				return err
			}
		}
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

func writeTimeline(w io.Writer, s styles, taskID string, entries []persistence.TimelineEntry) {
	fmt.Fprintln(w, s.header.Render(fmt.Sprintf("Timeline for %s (%d operations)", taskID, len(entries))))
	if len(entries) == 0 {
		fmt.Fprintln(w, s.dim.Render("  no operations recorded"))
		return
	}
	for i, e := range entries {
		op := e.Operation
		fmt.Fprintf(w, "%3d. %s %s %s\n", i+1, s.status(op.Status), op.Type, op.Name)
		fmt.Fprintln(w, s.dim.Render("     "+operationDetail(op)))
		if op.ErrorMessage != "" {
			fmt.Fprintf(w, "     %s\n", s.failed.Render("error: "+op.ErrorMessage))
		}
		for _, ev := range e.Evidence {
			line := fmt.Sprintf("     - %s %s (%d bytes)", ev.CreatedAt.Format(time.RFC3339), ev.Type, ev.SizeBytes)
			if ev.Provider != "" {
				line += " via " + ev.Provider
			}
			if ev.SourceURL != "" {
				line += " " + ev.SourceURL
			}
			fmt.Fprintln(w, line)
		}
	}
}

func operationDetail(op persistence.Operation) string {
	parts := []string{op.OperationID, "start " + op.EffectiveStart().Format(time.RFC3339)}
	if op.AgentType != "" {
		parts = append(parts, "agent "+op.AgentType)
	}
	if op.DurationMs != nil {
		parts = append(parts, (time.Duration(*op.DurationMs) * time.Millisecond).String())
	}
	return strings.Join(parts, "  ")
}

func runOpsCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("ops", flag.ContinueOnError)
	jsonOutput := fs.Bool("json", false, "print operations as JSON")
	pos, ok := parseArgs(fs, args, 1, "ops <task_id> [-json]")
	if !ok {
		return 2
	}

	return withApp(ctx, "ops", func(ctx context.Context, a *app) error {
		ops, err := a.store.ListOperations(ctx, pos[0])
		if err != nil {
			return err
		}
		if *jsonOutput {
			return writeJSON(stdout, ops)
		}
		s := newStyles(stdout)
		for _, op := range ops {
			deps, err := a.store.Dependencies(ctx, op.OperationID)
			if err != nil {
				return err
			}
			fmt.Fprintf(stdout, "%s %s %-20s %s\n", op.OperationID, s.status(op.Status), op.Type, op.Name)
			for _, d := range deps {
				fmt.Fprintln(stdout, s.dim.Render(fmt.Sprintf("    depends on %s (%s)", d.DependsOn, d.Type)))
			}
		}
		return nil
	})
}

func runEvidenceCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("evidence", flag.ContinueOnError)
	pos, ok := parseArgs(fs, args, 1, "evidence <operation_id>")
	if !ok {
		return 2
	}

	return withApp(ctx, "evidence", func(ctx context.Context, a *app) error {
		op, err := a.store.GetOperation(ctx, pos[0])
		if err != nil {
			return err
		}
		if op == nil {
			return fmt.Errorf("operation %s: %w", pos[0], persistence.ErrNotFound)
		}
		evidence, err := a.store.ListEvidence(ctx, op.OperationID)
		if err != nil {
			return err
		}
		return writeJSON(stdout, evidence)
	})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}
