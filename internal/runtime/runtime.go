package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-predict/internal/bus"
	"github.com/loqalabs/loqa-predict/internal/capability"
	"github.com/loqalabs/loqa-predict/internal/config"
	"github.com/loqalabs/loqa-predict/internal/eventstore"
	"github.com/loqalabs/loqa-predict/internal/natsserver"
	"github.com/loqalabs/loqa-predict/internal/pipeline"
	"github.com/loqalabs/loqa-predict/internal/predictor"
	"github.com/loqalabs/loqa-predict/internal/protocol"
	"github.com/loqalabs/loqa-predict/internal/router"
	"github.com/loqalabs/loqa-predict/internal/stt"
	"github.com/loqalabs/loqa-predict/internal/tts"
)

// outcomeStream retains published outcomes in JetStream.
const outcomeStream = "PREDICT_OUTCOMES"

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	metrics       http.Handler
	tracerClose   func(context.Context) error

	model     *predictor.Model
	store     *eventstore.Store
	embedded  *natsserver.EmbeddedServer
	busClient *bus.Client
	router    *router.Service
	sttNode   *stt.Service
	registry  *capability.Registry
	hub       *Hub
	pipeline  *pipeline.Pipeline

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.setup(ctx); err != nil {
		r.close(context.Background())
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metrics)
		r.metricsServer = &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		r.serve(r.metricsServer, "metrics")
	}

	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	r.close(shutdownCtx)

	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

// setup builds every component from config. On error the caller must still call close.
func (r *Runtime) setup(ctx context.Context) error {
	shutdownTelemetry, metrics, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metrics

	model, err := predictor.Fit(predictor.SamplesFromConfig(r.cfg.Model))
	if err != nil {
		return fmt.Errorf("fit model: %w", err)
	}
	r.model = model
	r.logger.Info("model fitted", slog.String("model", model.String()), slog.Float64("r2", model.R2))

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	recorder, err := newRecorder(r.cfg.Capture)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	recognizer, err := newRecognizer(r.cfg.STT)
	if err != nil {
		return fmt.Errorf("stt: %w", err)
	}
	announcer, err := tts.NewAnnouncerFromConfig(r.cfg.TTS, r.logger)
	if err != nil {
		return fmt.Errorf("tts: %w", err)
	}
	var speaker pipeline.Speaker
	if announcer != nil {
		speaker = announcer
	}

	r.hub = NewHub(r.logger)
	sinks := []pipeline.Sink{r.store, r.hub}

	if r.cfg.Bus.Enabled {
		if err := r.connectBus(ctx); err != nil {
			return err
		}
		sinks = append(sinks, router.NewPublisher(r.busClient))
	}

	r.pipeline = pipeline.New(model, recorder, recognizer, speaker,
		pipeline.WithCapture(time.Duration(r.cfg.Capture.DurationMS)*time.Millisecond, r.cfg.Capture.SampleRate),
		pipeline.WithPrecision(r.cfg.Model.Precision),
		pipeline.WithSinks(sinks...),
		pipeline.WithLogger(r.logger),
	)

	if r.busClient != nil {
		r.router = router.NewService(ctx, r.cfg.Router, r.busClient, r.pipeline, r.logger)
		if err := r.router.Start(); err != nil {
			return fmt.Errorf("start router: %w", err)
		}
		r.sttNode = stt.NewService(ctx, r.cfg.STT, r.busClient, recognizer, r.logger)
		if err := r.sttNode.Start(); err != nil {
			return fmt.Errorf("start stt node: %w", err)
		}
		registry, err := capability.NewRegistry(ctx, r.cfg.Node, r.capabilities(announcer != nil), r.busClient, r.logger)
		if err != nil {
			return fmt.Errorf("start capability registry: %w", err)
		}
		r.registry = registry
	}

	r.ready.Store(true)
	return nil
}

func (r *Runtime) connectBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	r.embedded = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.busClient = client

	if err := client.EnsureStream(outcomeStream, protocol.SubjectPredictOutcome); err != nil {
		r.logger.Warn("outcome stream unavailable", slog.String("error", err.Error()))
	}
	return nil
}

// capabilities lists what this node offers to the rest of the bus.
func (r *Runtime) capabilities(speaks bool) []protocol.Capability {
	var caps []protocol.Capability
	if r.cfg.Router.Enabled {
		caps = append(caps,
			protocol.Capability{Name: "predict.text"},
			protocol.Capability{Name: "predict.transcript"},
		)
	}
	caps = append(caps, protocol.Capability{
		Name:       "predict.voice",
		Attributes: map[string]string{"capture": r.cfg.Capture.Mode, "stt": r.cfg.STT.Mode},
	})
	if r.cfg.STT.ServeBus {
		caps = append(caps, protocol.Capability{
			Name:       "stt.transcribe",
			Attributes: map[string]string{"mode": r.cfg.STT.Mode, "language": r.cfg.STT.Language},
		})
	}
	if speaks {
		caps = append(caps, protocol.Capability{Name: "tts.speak", Attributes: map[string]string{"voice": r.cfg.TTS.Voice}})
	}
	return caps
}

// Ready reports whether every enabled component is serving.
func (r *Runtime) Ready() bool {
	if !r.ready.Load() {
		return false
	}
	if r.cfg.Bus.Enabled && !r.busClient.Healthy() {
		return false
	}
	if r.router != nil && !r.router.Healthy() {
		return false
	}
	if r.sttNode != nil && !r.sttNode.Healthy() {
		return false
	}
	if r.registry != nil && !r.registry.Healthy() {
		return false
	}
	return true
}

// close releases components in reverse order of setup.
func (r *Runtime) close(ctx context.Context) {
	if r.registry != nil {
		r.registry.Close()
	}
	if r.sttNode != nil {
		r.sttNode.Close()
	}
	if r.router != nil {
		r.router.Close()
	}
	if r.hub != nil {
		r.hub.Close()
	}
	r.busClient.Close()
	r.embedded.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
