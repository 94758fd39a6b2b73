package common

import (
	log "github.com/sirupsen/logrus"

	"weft/lib/defs"
	"weft/lib/state"
	"weft/lib/workspace"
)

// Context bundles what every engine layer needs: the contextual logger, the
// declared config, the project workspace and the state store. Passed
// explicitly, never ambient.
// mut: true (Store holds a live connection)
type Context struct {
	Logger    *log.Entry
	Config    defs.ConfigDefinition
	Workspace workspace.Workspace
	Store     *state.Store
}

func NewContext(logger *log.Entry, cfg defs.ConfigDefinition, ws workspace.Workspace, store *state.Store) Context {
	return Context{
		Logger:    logger,
		Config:    cfg,
		Workspace: ws,
		Store:     store,
	}
}

//
// START: Utility accessors / helpers
//

func (ctx Context) ProjectId() defs.ProjectId {
	return ctx.Config.ProjectId()
}

func (ctx Context) TaskLogger(taskId defs.TaskId) *log.Entry {
	return ctx.Logger.WithField("task", string(taskId))
}

//
// END: Utility accessors / helpers
//
