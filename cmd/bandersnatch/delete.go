package main

import (
	"fmt"

	"github.com/pypa/bandersnatch-go/verify"
)

// DeleteCmd removes one or more named projects and their files. It shares
// verify's project-removal and root-index routines rather than
// duplicating them, since "remove one project" is exactly what verify does
// for a project it discovers is no longer known upstream.
type DeleteCmd struct {
	Projects []string `arg:"" name:"project" help:"Project name(s) to delete."`
}

func (d *DeleteCmd) Run(app *App) error {
	v := verify.New(app.Backend, app.Upstream, app.Pipeline, verify.Options{HashIndex: app.Config.HashIndex}, app.Logger)

	var failed []string
	for _, project := range d.Projects {
		if err := v.DeleteProject(app.Ctx, project); err != nil {
			app.Logger.Error("failed to delete project", "project", project, "error", err)
			failed = append(failed, project)
			continue
		}
		app.Logger.Info("deleted project", "project", project)
	}

	if err := v.RegenerateRootIndex(app.Ctx); err != nil {
		return fmt.Errorf("delete: regenerating root index: %w", err)
	}
	if len(failed) > 0 {
		return fmt.Errorf("delete: failed to delete %d project(s): %v", len(failed), failed)
	}
	return nil
}
