package drive

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"tailscale.com/tsweb"
)

// maxDashboardMessage bounds an operator request body.
const maxDashboardMessage = 64 << 10

type operatorResponse struct {
	Accepted int      `json:"accepted"`
	Dropped  int      `json:"dropped,omitempty"`
	Unknown  []string `json:"unknown,omitempty"`
}

// AttachAdminRoutes attaches the control loop view and operator endpoints
// under /debug/.
func (l *Loop) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.KVFunc("Drive", func() any {
		v := l.View()
		return fmt.Sprintf("control=%t motors=%t %s", v.Control, v.Motors, v.Command)
	})

	debug.HandleFunc("drive", "control loop state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(l.View())
	})

	// POST a dashboard message: {"leftSpeed":..,"rightSpeed":..,"camera":{..},"action":".."}
	debug.HandleSilentFunc("operator", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxDashboardMessage))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		cmds, unknown, err := DecodeDashboard(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		l.respond(w, cmds, unknown)
	})

	debug.HandleSilentFunc("stop", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		l.respond(w, []OperatorCommand{Do(ActionStop)}, nil)
	})

	debug.HandleSilentFunc("vel", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		left, errL := strconv.Atoi(r.FormValue("left"))
		right, errR := strconv.Atoi(r.FormValue("right"))
		if errL != nil || errR != nil {
			http.Error(w, "left and right must be integers", http.StatusBadRequest)
			return
		}
		l.respond(w, []OperatorCommand{Manual(left, right)}, nil)
	})
}

func (l *Loop) respond(w http.ResponseWriter, cmds []OperatorCommand, unknown []string) {
	resp := operatorResponse{Unknown: unknown}
	for _, c := range cmds {
		if l.Operate(c) {
			resp.Accepted++
		} else {
			resp.Dropped++
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if resp.Dropped > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}
