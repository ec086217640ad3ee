package main

import (
	"context"
	"fmt"
	"time"

	"github.com/kumanday/nexus-agents/internal/config"
	"github.com/kumanday/nexus-agents/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			jsonOutput = true
		default:
			fmt.Fprintln(stderr, "usage: nexuskb doctor [-json]")
			return 2
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "Error loading config: %v\n", err)
		// Keep going so the checks can say what is wrong.
	}

	diag := doctor.Run(ctx, &cfg, Version)

	if jsonOutput {
		if err := writeJSON(stdout, diag); err != nil {
			fmt.Fprintf(stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return 0
	}

	s := newStyles(stdout)
	fmt.Fprintln(stdout, s.header.Render(fmt.Sprintf("Nexus KB Doctor Report (%s)", diag.Timestamp.Format(time.RFC3339))))
	fmt.Fprintf(stdout, "System: %s/%s (%s) %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
	fmt.Fprintln(stdout, "---")

	for _, res := range diag.Results {
		icon := s.completed.Render("PASS")
		switch res.Status {
		case "FAIL":
			icon = s.failed.Render("FAIL")
		case "WARN":
			icon = s.running.Render("WARN")
		case "SKIP":
			icon = s.pending.Render("SKIP")
		}
		fmt.Fprintf(stdout, "%s %-15s: %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(stdout, "     %s\n", s.dim.Render(res.Detail))
		}
	}

	if diag.Failed() {
		return 1
	}
	return 0
}
