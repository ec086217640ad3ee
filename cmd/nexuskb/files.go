package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kumanday/nexus-agents/internal/artifacts"
	"github.com/kumanday/nexus-agents/internal/persistence"
)

func runPutFileCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("put-file", flag.ContinueOnError)
	taskID := fs.String("task", "", "task the artifact belongs to")
	subtaskID := fs.String("subtask", "", "subtask the artifact belongs to")
	pos, ok := parseArgs(fs, args, 1, "put-file <path> [-task id] [-subtask id]")
	if !ok {
		return 2
	}

	content, err := os.ReadFile(pos[0])
	if err != nil {
		fmt.Fprintf(stderr, "put-file: %v\n", err)
		return 1
	}

	return withApp(ctx, "put-file", func(ctx context.Context, a *app) error {
		id, err := a.files.StoreFile(ctx, content, filepath.Base(pos[0]), artifacts.FileOptions{
			TaskID:    *taskID,
			SubtaskID: *subtaskID,
			Metadata:  map[string]any{"original_path": pos[0]},
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, id)
		return nil
	})
}

func runGetFileCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("get-file", flag.ContinueOnError)
	outPath := fs.String("o", "", "write to this file instead of stdout")
	verify := fs.Bool("verify", false, "fail if the file no longer matches its checksum")
	pos, ok := parseArgs(fs, args, 1, "get-file <artifact_id> [-o path] [-verify]")
	if !ok {
		return 2
	}
	artifactID := pos[0]

	return withApp(ctx, "get-file", func(ctx context.Context, a *app) error {
		if *verify {
			if err := a.files.Verify(ctx, artifactID); err != nil {
				return err
			}
		}
		data, err := a.files.GetFile(ctx, artifactID)
		if err != nil {
			return err
		}
		if data == nil {
			return fmt.Errorf("artifact %s has no readable file: %w", artifactID, persistence.ErrNotFound)
		}
		if *outPath == "" {
			_, err = stdout.Write(data)
			return err
		}
		if err := os.WriteFile(*outPath, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", *outPath, err)
		}
		a.logger.Info("artifact exported", "artifact_id", artifactID, "path", *outPath, "size_bytes", len(data))
		return nil
	})
}
