package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"

	"github.jpl.nasa.gov/bdube/xrdacq/acq"
	"github.jpl.nasa.gov/bdube/xrdacq/generichttp"
	"github.jpl.nasa.gov/bdube/xrdacq/generichttp/detector"
	"github.jpl.nasa.gov/bdube/xrdacq/imgrec"
	"github.jpl.nasa.gov/bdube/xrdacq/logger"
	"github.jpl.nasa.gov/bdube/xrdacq/store"
)

// accessLog logs one line per request at debug level
func accessLog(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			t0 := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"elapsed", time.Since(t0),
				"request", middleware.GetReqID(r.Context()))
		})
	}
}

// buildMux wires the detector routes under cfg.Root
func buildMux(ctx context.Context, cfg config, log logger.Logger) (http.Handler, *detector.HTTPDetector, error) {
	lib, err := cfg.library()
	if err != nil {
		return nil, nil, err
	}
	saver, ext, err := store.New(cfg.Format, log)
	if err != nil {
		return nil, nil, err
	}
	dir := cfg.Recorder.Root
	if dir == "" {
		dir = "."
	}
	rec := imgrec.New(dir, cfg.Recorder.Prefix, ext)
	o := acq.NewOrchestrator(lib, cfg.orchestrator(), saver, acq.WithLogger(log))
	d := detector.NewHTTPDetector(ctx, o, rec, cfg.Frames, cfg.Mode, log)

	root := chi.NewRouter()
	root.Use(middleware.RequestID, middleware.Recoverer, accessLog(log))
	mux := chi.NewRouter()
	mux.Use(d.Check)
	d.RT().Bind(mux)
	root.Mount(generichttp.SubMuxSanitize(cfg.Root), mux)
	return root, d, nil
}

// serve blocks until ctx is done, then waits for a running acquisition to
// tear down before returning
func serve(ctx context.Context, cfg config, log logger.Logger) error {
	h, d, err := buildMux(ctx, cfg, log)
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: cfg.Addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errs := make(chan error, 1)
	go func() { errs <- srv.ListenAndServe() }()
	log.Info("now listening for requests", "addr", cfg.Addr, "root", generichttp.SubMuxSanitize(cfg.Root))

	select {
	case err = <-errs:
	case <-ctx.Done():
		shut, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = srv.Shutdown(shut)
	}
	d.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	log.Info("server stopped", "err", err)
	return err
}
