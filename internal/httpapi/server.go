// Package httpapi exposes the HTTP surface of spec §6 over a plain
// net/http.ServeMux, the way the teacher's internal/http package wires
// one Handler struct per resource group onto a shared mux.
package httpapi

import (
	"net/http"

	"github.com/ripdev/ripd/internal/contextcompiler"
	"github.com/ripdev/ripd/internal/continuity"
	"github.com/ripdev/ripd/internal/eventlog"
	"github.com/ripdev/ripd/internal/session"
	"github.com/ripdev/ripd/internal/tasks"
)

// NewServer builds the full ServeMux for one authority process: sessions,
// threads, and tasks routes, all sharing the durable log.
func NewServer(log *eventlog.Log, engine *session.Engine, store *continuity.Store, compiler *contextcompiler.Compiler, manager *tasks.Manager, workspaceRoot string) http.Handler {
	mux := http.NewServeMux()

	NewSessionsHandler(log, engine).RegisterRoutes(mux)
	NewThreadsHandler(store, engine, compiler, workspaceRoot).RegisterRoutes(mux)
	NewTasksHandler(log, manager).RegisterRoutes(mux)

	return mux
}
