// Package web serves the status and control API.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"time"

	"gopkg.in/yaml.v3"

	"mbm-gps/internal/atchan"
	"mbm-gps/internal/gps"
	"mbm-gps/internal/gpsctrl"
)

// Control is the host-facing GPS surface reachable over HTTP.
type Control interface {
	Start() error
	Stop() error
	DeleteAidingData(flags gps.AidingData) error
}

type NIResponder interface {
	Respond(id int, resp gpsctrl.NiResponse) error
}

type Options struct {
	Status  *Status
	Control Control
	NI      NIResponder
	Logs    *LogBuffer
	Metrics http.Handler
	// Config is rendered as YAML on /api/config.
	Config any
}

const maxBodyBytes = 4096

func Handler(o Options) http.Handler {
	if o.Status == nil {
		o.Status = NewStatus(Sources{})
	}
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, o.Status.Snapshot(time.Now().UTC()))
	})

	mux.HandleFunc("/api/traffic", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		if o.Status.src.GPS == nil {
			http.Error(w, "gps unavailable", http.StatusNotFound)
			return
		}
		tr := o.Status.src.GPS.Snapshot().Traffic
		if tr == nil {
			tr = []atchan.Traffic{}
		}
		writeJSON(w, tr)
	})

	mux.HandleFunc("/api/about", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, about())
	})

	mux.HandleFunc("/api/config", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		if o.Config == nil {
			http.Error(w, "config unavailable", http.StatusNotFound)
			return
		}
		b, err := yaml.Marshal(o.Config)
		if err != nil {
			http.Error(w, "marshal failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.Header().Set("Cache-Control", "no-store")
		_, _ = w.Write(b)
	})

	controlAction := func(fn func(Control) error) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if !allowMethod(w, r, http.MethodPost) {
				return
			}
			if o.Control == nil {
				http.Error(w, "gps unavailable", http.StatusNotFound)
				return
			}
			if err := fn(o.Control); err != nil {
				http.Error(w, err.Error(), statusFor(err))
				return
			}
			writeOK(w)
		}
	}
	mux.HandleFunc("/api/gps/start", controlAction(func(c Control) error { return c.Start() }))
	mux.HandleFunc("/api/gps/stop", controlAction(func(c Control) error { return c.Stop() }))

	mux.HandleFunc("/api/gps/delete-aiding", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Flags *uint16 `json:"flags"`
		}
		if !allowMethod(w, r, http.MethodPost) || !decodeBody(w, r, &req) {
			return
		}
		if req.Flags == nil {
			http.Error(w, "flags is required", http.StatusBadRequest)
			return
		}
		controlAction(func(c Control) error {
			return c.DeleteAidingData(gps.AidingData(*req.Flags))
		})(w, r)
	})

	mux.HandleFunc("/api/gps/ni-reply", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID       *int   `json:"id"`
			Response string `json:"response"`
		}
		if !allowMethod(w, r, http.MethodPost) || !decodeBody(w, r, &req) {
			return
		}
		if o.NI == nil {
			http.Error(w, "ni unavailable", http.StatusNotFound)
			return
		}
		if req.ID == nil {
			http.Error(w, "id is required", http.StatusBadRequest)
			return
		}
		resp, err := gpsctrl.ParseNiResponse(req.Response)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := o.NI.Respond(*req.ID, resp); err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		writeOK(w)
	})

	if o.Logs != nil {
		mux.Handle("/api/logs", o.Logs.Handler())
	}
	if o.Metrics != nil {
		mux.Handle("/metrics", o.Metrics)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		snap := o.Status.Snapshot(time.Now().UTC())
		state := "unknown"
		if snap.GPS != nil {
			state = snap.GPS.State
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>mbm-gpsd</title></head><body>")
		_, _ = fmt.Fprintf(w, "<h1>mbm-gpsd</h1><p>state: %s</p>", html.EscapeString(state))
		_, _ = fmt.Fprintf(w, "<p>See <a href=\"/api/status\">/api/status</a>, <a href=\"/api/traffic\">/api/traffic</a> and <a href=\"/api/logs?format=text\">/api/logs</a>.</p>")
		_, _ = fmt.Fprintf(w, "</body></html>")
	})

	return mux
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		http.Error(w, "read body failed", http.StatusBadRequest)
		return false
	}
	if len(body) > maxBodyBytes {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		http.Error(w, fmt.Sprintf("invalid json: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, gpsctrl.ErrNotSupported):
		return http.StatusBadRequest
	case errors.Is(err, gpsctrl.ErrNotReady):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte("{\"ok\":true}\n"))
}

func Serve(ctx context.Context, listenAddr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
