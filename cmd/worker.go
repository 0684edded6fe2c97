package cmd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/otherjamesbrown/penf-transcribe/config"
	"github.com/otherjamesbrown/penf-transcribe/pkg/ack"
	"github.com/otherjamesbrown/penf-transcribe/pkg/audio"
	"github.com/otherjamesbrown/penf-transcribe/pkg/buildinfo"
	"github.com/otherjamesbrown/penf-transcribe/pkg/db"
	"github.com/otherjamesbrown/penf-transcribe/pkg/diarize"
	tferrors "github.com/otherjamesbrown/penf-transcribe/pkg/errors"
	"github.com/otherjamesbrown/penf-transcribe/pkg/lock"
	"github.com/otherjamesbrown/penf-transcribe/pkg/logging"
	"github.com/otherjamesbrown/penf-transcribe/pkg/observability"
	"github.com/otherjamesbrown/penf-transcribe/pkg/pipeline"
	"github.com/otherjamesbrown/penf-transcribe/pkg/queue"
	"github.com/otherjamesbrown/penf-transcribe/pkg/speakers"
	"github.com/otherjamesbrown/penf-transcribe/pkg/store/pgstore"
	"github.com/otherjamesbrown/penf-transcribe/pkg/transcribe"
	"github.com/otherjamesbrown/penf-transcribe/pkg/worker"
)

const (
	probeTimeout       = 30 * time.Second
	ackTimeout         = 10 * time.Second
	grpcHealthInterval = time.Second
)

// Worker command flags
var (
	workerSkipProbe bool
	workerMigrate   bool
)

// NewWorkerCommand creates the 'worker' command.
func NewWorkerCommand(deps *Deps) *cobra.Command {
	deps = orDefault(deps)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume transcription tasks",
		Long: `Run the transcription worker.

The worker consumes chunk tasks from the task queue one at a time. For each
chunk it diarizes the audio, attributes every turn to a meeting-stable
speaker id, transcribes the turns and appends them to the meeting's
transcript. The orchestrator is told "completed" or "failed" on the ack
queue. Failed and malformed tasks are dead-lettered to <queue>.dead.

Broker connection loss never stops the worker: it reconnects after
broker.reconnect_delay until interrupted.

While running, the worker serves /metrics, /healthz and /version on
metrics_addr, and grpc.health.v1 on grpc_health_addr when set.

Examples:
  # Run with ./config.yaml or $PENF_TRANSCRIBE_CONFIG
  penf-transcribe worker

  # Apply Postgres migrations first
  penf-transcribe worker --migrate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), deps)
		},
	}

	cmd.Flags().BoolVar(&workerSkipProbe, "skip-probe", false, "Skip collaborator health probes at startup")
	cmd.Flags().BoolVar(&workerMigrate, "migrate", false, "Apply Postgres migrations before consuming")

	return cmd
}

// healthChecker is implemented by collaborators that expose a health probe.
type healthChecker interface {
	Health(ctx context.Context) error
}

type probe struct {
	name    string
	checker healthChecker
}

// probeCollaborators checks every probe and returns a startup failure for
// the first one that is not healthy.
func probeCollaborators(ctx context.Context, probes []probe, logger logging.Logger) error {
	for _, p := range probes {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := p.checker.Health(pctx)
		cancel()
		if err != nil {
			return tferrors.Startup(p.name, err)
		}
		logger.Info("collaborator ready", logging.F("collaborator", p.name))
	}
	return nil
}

func runWorker(ctx context.Context, deps *Deps) error {
	started := time.Now()

	cfg, err := deps.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	// The log publisher gets its own sink-less logger so its failures do not
	// loop back into the queue.
	baseLogger := deps.NewLogger(cfg)

	var redisClient *redis.Client
	if usesRedis(cfg) {
		redisClient = deps.NewRedis(cfg)
		defer redisClient.Close()
	}

	broker, err := deps.NewBroker(cfg, redisClient)
	if err != nil {
		return tferrors.Startup("broker", err)
	}

	logger, closeLogs := newWorkerLogger(deps, cfg, broker, baseLogger)
	defer closeLogs()
	logging.SetGlobal(logger)
	logger.Info("starting transcription worker",
		logging.F("version", buildinfo.String()),
		logging.F("broker", broker.Name()),
		logging.F("store", cfg.Store.Driver),
		logging.F("task_queue", cfg.Broker.TaskQueue))

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewWorkerMetrics(reg)

	st, err := deps.OpenStore(ctx, cfg, logger)
	if err != nil {
		return tferrors.Startup("store", err)
	}
	defer st.Close(context.WithoutCancel(ctx))

	if pg, ok := st.(*pgstore.Store); ok {
		if _, err := db.RegisterPoolStatsCollector(reg, pg.Pool(), "transcription", cfg.ServiceName); err != nil {
			logger.Warn("pool stats collector not registered", logging.Err(err))
		}
		if workerMigrate {
			result, err := pg.Migrate(ctx)
			if err != nil {
				return tferrors.Startup("migrations", err)
			}
			logger.Info("migrations applied", logging.F("applied", len(result.Applied)))
		}
	}

	diarizer := diarize.NewHTTPDiarizer(cfg.Collaborators.DiarizationURL, cfg.Collaborators.Timeout)
	embedder := speakers.NewHTTPEmbedder(cfg.Collaborators.EmbeddingURL, cfg.Collaborators.Timeout)
	transcriber, err := transcribe.New(cfg.TranscribeConfig())
	if err != nil {
		return tferrors.Startup("transcriber", err)
	}

	if !workerSkipProbe {
		probes := []probe{
			{name: "diarizer", checker: diarizer},
			{name: "embedder", checker: embedder},
		}
		if hc, ok := transcriber.(healthChecker); ok {
			probes = append(probes, probe{name: "transcriber", checker: hc})
		}
		if err := probeCollaborators(ctx, probes, logger); err != nil {
			return err
		}
	}

	matcher, err := speakers.NewMatcher(cfg.MatcherConfig(), logger)
	if err != nil {
		return tferrors.Startup("matcher", err)
	}
	segmenter, err := audio.NewSegmenter(cfg.Audio.ScratchDir, cfg.Audio.MinSamples, logger)
	if err != nil {
		return tferrors.Startup("segmenter", err)
	}

	processor, err := pipeline.NewProcessor(pipeline.Deps{
		Diarizer:    diarizer,
		Embedder:    embedder,
		Transcriber: transcriber,
		Matcher:     matcher,
		Segmenter:   segmenter,
		Store:       st,
		Metrics:     metrics,
		Tracer:      observability.NewTracer(),
		Logger:      logger,
	}, pipeline.Config{
		AudioRoot: cfg.Audio.Root,
		Language:  cfg.Collaborators.Transcription.Language,
	})
	if err != nil {
		return tferrors.Startup("pipeline", err)
	}

	ackPublisher := queue.NewPublisher(broker, cfg.Broker.AckQueue, logger)
	defer ackPublisher.Close()

	opts := worker.Options{
		Reporter: ack.NewReporter(ackPublisher, ackTimeout, metrics, logger),
		Metrics:  metrics,
		Logger:   logger,
	}
	if cfg.Worker.MeetingLock {
		opts.Locker = lock.NewMeetingLock(redisClient, cfg.Worker.MeetingLockTTL)
	}

	handler := func(ctx context.Context, task queue.ChunkTask) error {
		_, err := processor.Process(ctx, task)
		return err
	}
	consumer := worker.NewConsumer(worker.Config{
		Queue:          cfg.Broker.TaskQueue,
		ReconnectDelay: cfg.Broker.ReconnectDelay,
		TaskTimeout:    cfg.Worker.TaskTimeout,
	}, broker, handler, opts)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Run(gctx)
	})
	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           newStatusMux(cfg.ServiceName, started, reg, consumer),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			return serveHTTP(gctx, srv, logger)
		})
	}
	if cfg.GRPCHealthAddr != "" {
		g.Go(func() error {
			return serveGRPCHealth(gctx, cfg.GRPCHealthAddr, cfg.ServiceName, consumer, grpcHealthInterval, logger)
		})
	}

	err = g.Wait()
	stats := consumer.Stats()
	logger.Info("transcription worker stopped",
		logging.F("processed", stats.Processed),
		logging.F("failed", stats.Failed),
		logging.F("malformed", stats.Malformed),
		logging.F("reconnects", stats.Reconnects))
	return err
}

// newWorkerLogger returns the worker's logger. When broker.log_queue is set
// every entry is also shipped to that queue; the returned func flushes and
// stops the shipping.
func newWorkerLogger(deps *Deps, cfg *config.Config, broker queue.Broker, base logging.Logger) (logging.Logger, func()) {
	if cfg.Broker.LogQueue == "" {
		return deps.NewLogger(cfg), func() {}
	}

	publisher := queue.NewPublisher(broker, cfg.Broker.LogQueue, base)
	sink := logging.NewAsyncSink(logging.AsyncSinkConfig{
		Writer:   queue.NewLogWriter(publisher),
		MinLevel: logging.LevelInfo,
	})
	return deps.NewLogger(cfg, sink), func() {
		sink.Close()
		publisher.Close()
	}
}
