package vision

import (
	"encoding/json"
	"fmt"
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/lanekeeper/internal/config"
)

type workerView struct {
	Settings config.Settings `json:"settings"`
	Stats    WorkerStats     `json:"stats"`
}

// AttachAdminRoutes attaches the perception counters and current settings
// under /debug/.
func (w *Worker[I]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.KVFunc("Perception", func() any {
		s := w.Stats()
		return fmt.Sprintf("frames=%d dropped=%d delivered=%d", s.Frames, s.Dropped, s.Delivered)
	})

	debug.HandleFunc("perception", "perception settings and counters", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		json.NewEncoder(rw).Encode(workerView{Settings: w.Settings(), Stats: w.Stats()})
	})
}
