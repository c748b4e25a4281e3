package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Certificate describes one issued leaf for the /certs endpoint.
type Certificate struct {
	Host     string    `json:"host"`
	Alias    string    `json:"alias"`
	NotAfter time.Time `json:"notAfter"`
	Issued   time.Time `json:"issued"`
}

// CertificateLister reports the certificates issued so far.
type CertificateLister func() []Certificate

// NewMux serves health, metrics, the live request log and, when certs is
// not nil, the issued certificates.
func NewMux(agg *Aggregator, certs CertificateLister) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(agg.Snapshot())
	})
	mux.HandleFunc("/certs", func(w http.ResponseWriter, r *http.Request) {
		list := []Certificate{}
		if certs != nil {
			list = append(list, certs()...)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(list)
	})
	mux.HandleFunc("/logs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		ch, cancel := agg.Subscribe()
		defer cancel()
		keepalive := time.NewTicker(30 * time.Second)
		defer keepalive.Stop()
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				b, _ := json.Marshal(ev)
				fmt.Fprintf(w, "data: %s\n\n", b)
				flusher.Flush()
			case <-r.Context().Done():
				return
			case <-keepalive.C:
				fmt.Fprint(w, ": keepalive\n\n")
				flusher.Flush()
			}
		}
	})
	return mux
}
