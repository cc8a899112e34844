package logging

import (
	"errors"
	"log/slog"
	"net/http"
	"net/http/pprof"
	"time"
)

var pprofServer *http.Server

// startPprof serves the profiling endpoints on a private mux. Callers hold
// globalMu.
func startPprof(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	pprofServer = srv
	go func() {
		Logger().Info("pprof_server_start", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			Logger().Error("pprof_server_error", slog.String("error", err.Error()))
		}
	}()
}

func stopPprof() {
	if pprofServer != nil {
		_ = pprofServer.Close()
		pprofServer = nil
	}
}
