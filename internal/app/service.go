package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"kpialert/internal/alertstore"
	"kpialert/internal/clock"
	"kpialert/internal/config"
	"kpialert/internal/directory"
	"kpialert/internal/evaluate"
	"kpialert/internal/httpapi"
	"kpialert/internal/ingest"
	"kpialert/internal/kpi"
	"kpialert/internal/lifecycle"
	"kpialert/internal/logging"
	"kpialert/internal/notify"
	"kpialert/internal/records"
	"kpialert/internal/threshold"
)

// Service composes runtime dependencies and process lifecycle.
// Params: validated config snapshot and shared runtime components.
// Returns: runnable KPI alerting service.
type Service struct {
	cfg        config.Config
	logger     *slog.Logger
	closeLog   func()
	store      alertstore.Store
	records    *records.Store
	dispatcher *notify.Dispatcher
	evaluator  *evaluate.Evaluator
	manager    *lifecycle.Manager
	scheduler  *cron.Cron
	httpSrv    *http.Server
	natsSub    interface{ Close() error }
	readyFlag  atomic.Bool
	clock      clock.Clock
}

// NewService builds the service from a validated config snapshot.
// Params: config snapshot and clock implementation.
// Returns: initialized service or setup error.
func NewService(cfg config.Config, clk clock.Clock) (*Service, error) {
	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	store, err := buildStore(cfg)
	if err != nil {
		closeLog()
		return nil, err
	}

	dispatcher, err := notify.NewDispatcher(cfg.Notify, logger)
	if err != nil {
		_ = store.Close()
		closeLog()
		return nil, err
	}

	recordStore := records.NewStore()
	dir := directory.New(cfg.Users)
	thresholds := threshold.NewStore(cfg.Thresholds, clk)
	calculator := kpi.NewCalculator(recordStore, clk)
	evaluator := evaluate.NewEvaluator(calculator, thresholds, store, dispatcher, dir, clk, logger)
	manager := lifecycle.NewManager(store, dispatcher, dir, clk, logger)

	service := &Service{
		cfg:        cfg,
		logger:     logger,
		closeLog:   closeLog,
		store:      store,
		records:    recordStore,
		dispatcher: dispatcher,
		evaluator:  evaluator,
		manager:    manager,
		clock:      clk,
	}

	service.buildHTTPServer(httpapi.New(evaluator, manager, thresholds, logger))
	if err := service.buildScheduler(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.buildNATSSubscriber(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}

	return service, nil
}

// Run starts the service lifecycle and blocks until a shutdown signal.
// Params: root context for the service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "listen", s.cfg.Service.Listen)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.cfg.Service.AnalyzeOnStart {
		s.runAnalysis(ctx)
	}
	s.scheduler.Start()
	s.readyFlag.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errChan:
		_ = s.shutdown()
		return fmt.Errorf("http server failed: %w", err)
	case <-sigChan:
		return s.shutdown()
	}
}

// runAnalysis executes one analysis cycle and logs the outcome.
// Params: cycle context.
// Returns: overlap rejections are logged at info, failures at error.
func (s *Service) runAnalysis(ctx context.Context) {
	report, err := s.evaluator.AnalyzeAll(ctx)
	if err != nil {
		s.logger.Info("analysis cycle skipped", "reason", err.Error())
		return
	}
	s.logger.Info("analysis cycle finished",
		"evaluated", report.Evaluated,
		"skipped", report.Skipped,
		"created", len(report.Created),
		"refreshed", len(report.Refreshed),
		"closed", len(report.Closed),
		"failures", len(report.Failures))
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	cronCtx := s.scheduler.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
		s.logger.Warn("analysis cycle did not finish before shutdown deadline")
	}

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown failed", "error", err.Error())
		markErr(fmt.Errorf("http shutdown: %w", err))
	}
	if s.natsSub != nil {
		if err := s.natsSub.Close(); err != nil {
			s.logger.Error("nats subscriber close failed", "error", err.Error())
			markErr(fmt.Errorf("nats subscriber close: %w", err))
		}
	}
	s.dispatcher.Close()
	if err := s.store.Close(); err != nil {
		s.logger.Error("store close failed", "error", err.Error())
		markErr(fmt.Errorf("store close: %w", err))
	}
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.natsSub != nil {
		_ = s.natsSub.Close()
		s.natsSub = nil
	}
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
		s.httpSrv = nil
	}
	if s.dispatcher != nil {
		s.dispatcher.Close()
	}
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// buildHTTPServer wires the API, ingest, and health endpoints.
// Params: mounted API handler.
// Returns: server stored on the service.
func (s *Service) buildHTTPServer(api *httpapi.API) {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Service.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(s.cfg.Service.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})
	mux.Handle("/api/", api)

	if s.cfg.Ingest.HTTP.Enabled {
		handler := ingest.NewHTTPHandler(s.records, s.cfg.Ingest.HTTP.PathPrefix, s.cfg.Service.MaxBodyBytes)
		mux.Handle(s.cfg.Ingest.HTTP.PathPrefix+"/", handler)
	}

	s.httpSrv = &http.Server{
		Addr:              s.cfg.Service.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// buildScheduler registers the periodic analysis entry.
// Params: none.
// Returns: error on an invalid cron expression.
func (s *Service) buildScheduler() error {
	scheduler := cron.New()
	_, err := scheduler.AddFunc(s.cfg.Service.AnalyzeCron, func() {
		s.runAnalysis(context.Background())
	})
	if err != nil {
		return fmt.Errorf("schedule analysis %q: %w", s.cfg.Service.AnalyzeCron, err)
	}
	s.scheduler = scheduler
	return nil
}

// buildNATSSubscriber starts NATS record ingestion when enabled.
// Params: none.
// Returns: initialization error.
func (s *Service) buildNATSSubscriber() error {
	if s.cfg.Service.Mode == config.ServiceModeSingle {
		return nil
	}
	if !s.cfg.Ingest.NATS.Enabled {
		return nil
	}
	subscriber, err := ingest.NewNATSSubscriber(s.cfg.Ingest.NATS, s.records, s.logger)
	if err != nil {
		return err
	}
	s.natsSub = subscriber
	return nil
}

// buildStore creates the alert repository backend from config.
// Params: root config snapshot.
// Returns: selected store backend.
func buildStore(cfg config.Config) (alertstore.Store, error) {
	if cfg.Service.Mode == config.ServiceModeSingle {
		return alertstore.NewMemoryStore(), nil
	}
	return alertstore.NewNATSStore(cfg.Store)
}
