package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/kumanday/nexus-agents/internal/config"
	"github.com/kumanday/nexus-agents/internal/persistence"
)

func runInitCommand(args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(stderr, "usage: nexuskb init")
		return 2
	}
	path, err := config.WriteDefault(config.HomeDir())
	if err != nil {
		fmt.Fprintf(stderr, "init: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, path)
	return 0
}

func runTasksCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("tasks", flag.ContinueOnError)
	status := fs.String("status", "", "only list tasks with this status")
	limit := fs.Int("limit", 20, "maximum number of tasks; 0 lists all")
	jsonOutput := fs.Bool("json", false, "print tasks as JSON")
	if _, ok := parseArgs(fs, args, 0, "tasks [-status s] [-limit n] [-json]"); !ok {
		return 2
	}

	return withApp(ctx, "tasks", func(ctx context.Context, a *app) error {
		tasks, err := a.store.ListTasks(ctx, persistence.TaskStatus(*status), *limit)
		if err != nil {
			return err
		}
		if *jsonOutput {
			return writeJSON(stdout, tasks)
		}
		s := newStyles(stdout)
		for _, t := range tasks {
			fmt.Fprintf(stdout, "%s  %-10s %s  %s\n", t.TaskID, t.Status, s.dim.Render(t.CreatedAt.Format(time.RFC3339)), t.Title)
		}
		return nil
	})
}

func runCacheGetCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("cache-get", flag.ContinueOnError)
	pos, ok := parseArgs(fs, args, 2, "cache-get <query> <provider>")
	if !ok {
		return 2
	}

	return withApp(ctx, "cache-get", func(ctx context.Context, a *app) error {
		results, hit, err := a.store.CachedResults(ctx, pos[0], pos[1])
		if err != nil {
			return err
		}
		if !hit {
			return fmt.Errorf("no unexpired results for %q from %s", pos[0], pos[1])
		}
		return writeJSON(stdout, results)
	})
}

func runBackupCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("backup", flag.ContinueOnError)
	pos, ok := parseArgs(fs, args, 1, "backup <dest>")
	if !ok {
		return 2
	}

	return withApp(ctx, "backup", func(ctx context.Context, a *app) error {
		if err := a.store.Backup(ctx, pos[0]); err != nil {
			return err
		}
		a.logger.Info("backup written", "dest", pos[0])
		fmt.Fprintln(stdout, pos[0])
		return nil
	})
}
