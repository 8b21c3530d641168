package telemetry

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tailscale/tailsql/server/tailsql"
	"tailscale.com/tsweb"
)

// AttachAdminRoutes mounts tailsql over the store and a run listing under
// /debug/.
func (s *Store) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+s.path, s.DB, &tailsql.DBOptions{
		Label: "Telemetry DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.HandleFunc("runs", "recorded runs, newest first", func(w http.ResponseWriter, r *http.Request) {
		runs, err := s.Runs(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(runs)
	})
	return nil
}

// AttachAdminRoutes mounts the live snapshot and the latest frame under
// /debug/.
func (r *Recorder) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.KVFunc("Telemetry", func() any {
		st := r.Stats()
		return fmt.Sprintf("run %s: %d written, %d dropped, %d failed", r.runID, st.Written, st.Dropped, st.Failed)
	})

	debug.HandleFunc("telemetry", "latest telemetry snapshot", func(w http.ResponseWriter, req *http.Request) {
		s, ok := r.Latest()
		if !ok {
			http.Error(w, "no telemetry yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s)
	})

	debug.HandleSilentFunc("frame", func(w http.ResponseWriter, req *http.Request) {
		s, ok := r.Latest()
		if !ok || len(s.Image) == 0 {
			http.Error(w, "no frame", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", http.DetectContentType(s.Image))
		w.Write(s.Image)
	})
}
