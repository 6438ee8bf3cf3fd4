package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/fiscaldocflow/internal/messaging"
	"github.com/Lllllllleong/fiscaldocflow/internal/services"
	"github.com/Lllllllleong/fiscaldocflow/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("Worker exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	processor, err := services.NewProcessor(ctx)
	if err != nil {
		return err
	}
	defer processor.Close()

	srv := &http.Server{
		Addr:              ":" + processor.HealthPort(),
		Handler:           healthMux(processor),
		ReadHeaderTimeout: 5 * time.Second,
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		err := processor.Run(gctx)
		if errors.Is(err, messaging.ErrChannelUnavailable) {
			// Stay up so /healthz reports the stopped consumer.
			<-gctx.Done()
			return nil
		}
		return err
	})
	eg.Go(func() error {
		slog.Info("Health endpoint listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

type stateReporter interface {
	State() worker.State
}

func healthMux(p stateReporter) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		state := p.State()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if state == worker.StateStopped {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_, _ = w.Write([]byte(state.String() + "\n"))
	})
	return mux
}
