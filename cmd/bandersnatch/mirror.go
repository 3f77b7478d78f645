package main

import (
	"fmt"

	"github.com/pypa/bandersnatch-go/controller"
	"github.com/pypa/bandersnatch-go/scheduler"
)

// MirrorCmd runs a full replication pass, spec.md's C6 state machine.
type MirrorCmd struct {
	ForceCheck bool `name:"force-check" help:"Clear the saved cursor and force a complete re-diff of every project."`
}

func (m *MirrorCmd) Run(app *App) error {
	pool := scheduler.New(app.Pipeline, app.Config.SchedulerConfig(), app.Logger)
	ctrl := controller.New(app.Backend, app.Upstream, pool, app.Logger)

	run, err := ctrl.RunMirror(app.Ctx, m.ForceCheck)
	if err != nil {
		return fmt.Errorf("mirror: %w", err)
	}

	app.Logger.Info("mirror run finished",
		"run_id", run.ID,
		"state", run.State,
		"target_serial", run.TargetSerial,
		"projects_synced", run.ProjectsSynced,
		"projects_failed", run.ProjectsFailed,
	)

	if run.State == controller.StateFailed {
		return fmt.Errorf("mirror: run failed: %w", run.Err)
	}
	if len(run.FailedProjects) > 0 {
		return fmt.Errorf("mirror: %d project(s) failed: %v", len(run.FailedProjects), run.FailedProjects)
	}
	return nil
}
