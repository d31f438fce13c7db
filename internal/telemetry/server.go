package telemetry

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
)

// Handler returns the diagnostic mux:
//
//	GET /slabs                 -> JSON Snapshot of every class
//	GET /slabs/class           -> JSON ClassStats for one class.
//	                              Query param: id=<classID>
func Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/slabs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		_ = enc.Encode(Collect())
	})

	mux.HandleFunc("/slabs/class", func(w http.ResponseWriter, r *http.Request) {
		idStr := r.URL.Query().Get("id")
		if idStr == "" {
			http.Error(w, "missing id", http.StatusBadRequest)

			return
		}

		id64, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			http.Error(w, "invalid id", http.StatusBadRequest)

			return
		}

		snap := Collect()
		for _, class := range snap.Classes {
			if class.ID == uint32(id64) {
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				enc := json.NewEncoder(w)
				enc.SetEscapeHTML(false)
				_ = enc.Encode(class)

				return
			}
		}

		http.Error(w, "unknown class", http.StatusNotFound)
	})

	return mux
}

// StartDebugHTTP serves the diagnostic endpoints on addr. It returns
// the bound address and a shutdown function compatible with
// http.Server.Shutdown.
func StartDebugHTTP(addr string) (string, func(ctx context.Context) error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, err
	}

	srv := &http.Server{Handler: Handler()}

	go func() { _ = srv.Serve(ln) }()

	return ln.Addr().String(), srv.Shutdown, nil
}
