package main

import (
	"context"
	"fmt"

	"github.com/pypa/bandersnatch-go/download"
)

// SyncCmd processes one named project outside of a full mirror run.
type SyncCmd struct {
	Project string `arg:"" help:"Project name to sync."`
}

func (s *SyncCmd) Run(app *App) error {
	result, shared, err := app.Downloader.Do(app.Ctx, s.Project, func(ctx context.Context) (*download.Result, error) {
		res, err := app.Pipeline.Sync(ctx, s.Project, 0)
		if err != nil {
			return nil, err
		}
		return &download.Result{Project: res.Project, Serial: res.Serial, Files: res.FilesDownloaded}, nil
	})
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	app.Logger.Info("synced project",
		"project", result.Project,
		"serial", result.Serial,
		"files_downloaded", result.Files,
		"shared_with_concurrent_caller", shared,
	)
	return nil
}
