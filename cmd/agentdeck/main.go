package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ent0n29/agentdeck/internal/broadcast"
	"github.com/ent0n29/agentdeck/internal/config"
	"github.com/ent0n29/agentdeck/internal/history"
	"github.com/ent0n29/agentdeck/internal/httpapi"
	"github.com/ent0n29/agentdeck/internal/job"
	"github.com/ent0n29/agentdeck/internal/observability"
	"github.com/ent0n29/agentdeck/internal/orchestrator"
	"github.com/ent0n29/agentdeck/internal/protocol"
	"github.com/ent0n29/agentdeck/internal/provider"
	"github.com/ent0n29/agentdeck/internal/session"
	"github.com/ent0n29/agentdeck/internal/store"
	"github.com/ent0n29/agentdeck/internal/task"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	defaultProvider, err := provider.Parse(cfg.DefaultProvider, provider.Codex)
	if err != nil {
		log.Fatalf("invalid APP_DEFAULT_PROVIDER: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	st, err := store.New(cfg.DataDir)
	if err != nil {
		log.Fatalf("data store init failed: %v", err)
	}

	ctx := context.Background()
	hist, err := history.NewStore(ctx, cfg.DatabaseURL, st)
	if err != nil {
		log.Fatalf("history store init failed: %v", err)
	}
	if c, ok := hist.(interface{ Close() error }); ok {
		defer c.Close()
	}
	if cfg.DatabaseURL != "" {
		log.Printf("history store: postgres")
	} else {
		log.Printf("history store: json files under %s", cfg.DataDir)
	}

	hub := broadcast.NewHub(broadcast.Options{
		RingCap:        cfg.ReplayBufferSize,
		QueueCap:       cfg.SubscriberQueueSize,
		EnqueueTimeout: cfg.PublishTimeout,
		OnDrop: func(topic string) {
			metrics.SubscribersDropped.WithLabelValues(topic).Inc()
		},
	})

	registry := session.NewRegistry(st, defaultProvider)
	publishSessions := func(snap session.Snapshot) {
		hub.Sessions().Publish(map[string]any{
			"type":     protocol.EventSnapshot,
			"sessions": snap.Sessions,
			"status":   snap.Status,
		})
	}
	registry.SetSnapshotHook(publishSessions)

	exec := provider.NewCLIExecutor(provider.CLIConfig{
		CodexPath:   cfg.CodexPath,
		ClaudePath:  cfg.ClaudePath,
		GeminiPath:  cfg.GeminiPath,
		CopilotPath: cfg.CopilotPath,
	})

	jobs := job.NewManager(job.Config{
		DefaultTimeout: cfg.JobTimeout,
		Retention:      cfg.JobRetention,
		BufferCap:      cfg.JobBufferSize,
		PublishTimeout: cfg.PublishTimeout,
	}, exec, registry, hist, hub, st)
	jobs.SetCounters(
		func(p provider.Provider) {
			metrics.JobsStarted.WithLabelValues(string(p)).Inc()
			metrics.ActiveJobs.Inc()
		},
		func(p provider.Provider, status string) {
			metrics.JobsFinished.WithLabelValues(string(p), status).Inc()
			metrics.ActiveJobs.Dec()
		},
		func() { metrics.QueuedPrompts.Inc() },
	)

	tasks, err := task.NewManager(task.Config{
		DefaultProvider: defaultProvider,
		DefaultTimeout:  cfg.TaskTimeout,
		Tick:            cfg.SchedulerTick,
	}, st, exec, hub)
	if err != nil {
		log.Fatalf("task manager init failed: %v", err)
	}
	tasks.SetRunCounter(func(status string) {
		metrics.TaskRuns.WithLabelValues(status).Inc()
	})

	orchs, err := orchestrator.NewManager(st, defaultProvider)
	if err != nil {
		log.Fatalf("orchestrator manager init failed: %v", err)
	}
	engine := orchestrator.NewEngine(orchestrator.EngineConfig{
		Poll:           cfg.OrchestratorPoll,
		HistoryLimit:   cfg.OrchestratorHistoryN,
		DefaultWorkdir: cfg.DefaultWorkdir,
	}, orchs, registry, hist, jobs, hub, exec)
	engine.SetDecisionCounter(func(action string) {
		metrics.OrchestratorActions.WithLabelValues(action).Inc()
	})
	jobs.SetSessionIdleHook(engine.Trigger)

	// Pick up edits made to the JSON tables outside this process.
	stopWatch, err := st.Watch(func(table string) {
		switch table {
		case "sessions":
			publishSessions(registry.Snapshot())
		case "tasks":
			hub.Tasks().Publish(task.Snapshot{Type: protocol.EventSnapshot, Tasks: tasks.List()})
		}
	})
	if err != nil {
		log.Printf("data dir watcher unavailable: %v", err)
	} else {
		defer stopWatch()
	}

	api := httpapi.New(cfg, registry, jobs, tasks, orchs, engine, hist, hub, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	go engine.Run(runCtx)
	go tasks.Loop(runCtx, func() {
		swept := jobs.Sweep(time.Now())
		swept += hub.Sweep()
		if swept > 0 {
			log.Printf("sweep reclaimed %d finished jobs/topics", swept)
		}
	})

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
