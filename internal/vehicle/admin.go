package vehicle

import (
	"encoding/json"
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/lanekeeper/internal/serialmux"
)

type linkView struct {
	State      string   `json:"state"`
	LastSent   *Command `json:"lastSent,omitempty"`
	LastStatus *Status  `json:"lastStatus,omitempty"`
	Error      string   `json:"error,omitempty"`
}

func (l *Link) view() linkView {
	v := linkView{State: l.State().String()}
	if c, ok := l.LastSent(); ok {
		v.LastSent = &c
	}
	if s, ok := l.LastStatus(); ok {
		v.LastStatus = &s
	}
	if err := l.Err(); err != nil {
		v.Error = err.Error()
	}
	return v
}

// AttachAdminRoutes attaches link debugging endpoints under /debug/. These
// routes are reachable only over localhost or Tailscale.
func (l *Link) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.KVFunc("Vehicle link", func() any { return l.State().String() })

	debug.HandleFunc("vehicle", "vehicle link state, last command and last status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(l.view())
	})

	// Server-Sent Events stream of every line the board sends.
	debug.HandleSilentFunc("vehicle-tail", func(w http.ResponseWriter, r *http.Request) {
		id, lines, ok := l.Subscribe()
		if !ok {
			http.Error(w, "vehicle link not connected", http.StatusServiceUnavailable)
			return
		}
		defer l.Unsubscribe(id)
		serialmux.ServeTail(w, r, lines)
	})
}
