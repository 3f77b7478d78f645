package main

import (
	"fmt"

	"github.com/pypa/bandersnatch-go/verify"
)

// VerifyCmd reconciles local state against upstream, spec.md's C7.
type VerifyCmd struct {
	Delete     bool `help:"Remove local projects no longer known upstream."`
	JSONUpdate bool `name:"json-update" help:"Refresh stored JSON metadata from upstream even when no file needs repair."`
	DryRun     bool `name:"dry-run" help:"Report what would change without writing anything."`
}

func (v *VerifyCmd) Run(app *App) error {
	opts := verify.DefaultOptions()
	opts.Verifiers = app.Config.Verifiers
	opts.Delete = v.Delete
	opts.JSONUpdate = v.JSONUpdate
	opts.DryRun = v.DryRun
	opts.HashIndex = app.Config.HashIndex

	verifier := verify.New(app.Backend, app.Upstream, app.Pipeline, opts, app.Logger)
	report, err := verifier.Run(app.Ctx)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	repaired, deleted := 0, 0
	for _, pr := range report.Projects {
		repaired += pr.FilesRepaired
		if pr.Deleted {
			deleted++
		}
	}
	app.Logger.Info("verify run finished",
		"projects", len(report.Projects),
		"files_repaired", repaired,
		"projects_deleted", deleted,
		"errors", report.Errors,
	)

	if report.Errors > 0 {
		return fmt.Errorf("verify: %d project(s) failed verification", report.Errors)
	}
	return nil
}
