package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/buildfleet/lkgm/pkg/config"
	"github.com/buildfleet/lkgm/pkg/coordinator"
	"github.com/buildfleet/lkgm/pkg/events"
	"github.com/buildfleet/lkgm/pkg/history"
	"github.com/buildfleet/lkgm/pkg/manifest"
	"github.com/buildfleet/lkgm/pkg/specstore"
	"github.com/buildfleet/lkgm/pkg/telemetry"
	"github.com/buildfleet/lkgm/pkg/version"
)

type server struct {
	cfg     config.BuilderConfig
	manager *coordinator.Manager
	store   specstore.Store
	history *history.PostgresStore
	events  *events.Publisher
	tracer  trace.Tracer

	mu      sync.RWMutex
	run     *coordinator.Run
	cycling bool
}

func main() {
	cfg, err := config.LoadBuilder()
	if err != nil {
		log.Fatalf("coordinatord config failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.InitTracer(ctx, "lkgm-coordinatord")
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Printf("tracer shutdown error: %v", err)
		}
	}()

	store, closeStore, err := openStore(cfg)
	if err != nil {
		log.Fatalf("spec store init failed: %v", err)
	}
	if closeStore != nil {
		defer closeStore()
	}

	projects, err := parseProjects(cfg.Projects)
	if err != nil {
		log.Fatalf("coordinatord config failed: %v", err)
	}

	srv := &server{
		cfg:     cfg,
		store:   store,
		manager: coordinator.New(store, cfg.BuilderName, payloadFunc(projects), coordinator.WithLogger(stdLogger{})),
		tracer:  otel.Tracer("coordinatord"),
	}

	if dsn := strings.TrimSpace(cfg.DatabaseURL); dsn != "" {
		pg, err := history.NewPostgresStore(dsn)
		if err != nil {
			log.Fatalf("history postgres init failed: %v", err)
		}
		srv.history = pg
		defer func() {
			if err := pg.Close(); err != nil {
				log.Printf("history postgres close error: %v", err)
			}
		}()
	}

	if redisURL := strings.TrimSpace(cfg.RedisURL); redisURL != "" {
		pub, err := events.NewPublisher(redisURL)
		if err != nil {
			log.Fatalf("events redis init failed: %v", err)
		}
		srv.events = pub
		defer func() {
			if err := pub.Close(); err != nil {
				log.Printf("events redis close error: %v", err)
			}
		}()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
	})
	r.Route("/api", func(r chi.Router) {
		r.Get("/run", srv.handleGetRun)
		r.Get("/peers", srv.handleGetPeers)
		r.Get("/lkgm", srv.handleGetPromoted)
		r.Get("/history", srv.handleGetHistory)
		r.Get("/events", srv.handleGetEvents)
		r.Post("/cycle", srv.handleTriggerCycle)
	})

	go cycleLoop(ctx, cfg.CycleInterval, srv.cycle)

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown error: %v", err)
		}
	}()

	log.Printf("coordinatord (%s) listening on %s", cfg.BuilderName, cfg.ListenAddr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("coordinatord failed: %v", err)
	}
	log.Printf("coordinatord shutting down")
}

const defaultCycleInterval = 5 * time.Minute

// cycleLoop drives coordination cycles until ctx is cancelled. The first
// cycle starts immediately so a freshly booted follower adopts an already
// published candidate without waiting a full interval.
func cycleLoop(ctx context.Context, interval time.Duration, run func(context.Context)) {
	if interval <= 0 {
		interval = defaultCycleInterval
	}
	run(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run(ctx)
		}
	}
}

// openStore picks the Store implementation from the manifest_versions target:
// an sftp:// URL dials the remote tree, anything else is a local checkout.
func openStore(cfg config.BuilderConfig) (specstore.Store, func() error, error) {
	target := cfg.ManifestVersions
	if strings.HasPrefix(target, "sftp://") {
		u, err := url.Parse(target)
		if err != nil {
			return nil, nil, fmt.Errorf("parse manifest_versions URL: %w", err)
		}
		addr := u.Host
		if u.Port() == "" {
			addr += ":22"
		}
		user := cfg.SFTPUser
		if u.User != nil && u.User.Username() != "" {
			user = u.User.Username()
		}
		var keyPEM string
		if cfg.SFTPKeyFile != "" {
			data, err := os.ReadFile(cfg.SFTPKeyFile)
			if err != nil {
				return nil, nil, fmt.Errorf("read sftp key: %w", err)
			}
			keyPEM = string(data)
		}
		remote, err := specstore.DialSFTP(addr, user, keyPEM, cfg.SFTPPassword, u.Path)
		if err != nil {
			return nil, nil, err
		}
		return remote, remote.Close, nil
	}

	var syncer specstore.Syncer
	if _, err := os.Stat(filepath.Join(target, ".git")); err == nil {
		syncer = &specstore.GitSyncer{Branch: cfg.SyncBranch}
	}
	return specstore.NewTreeStore(target, syncer), nil, nil
}

// parseProjects validates the configured "name=path@revision" pins. A
// malformed entry is a config error, not a blank pin in the buildspec.
func parseProjects(entries []string) ([]manifest.Project, error) {
	projects := make([]manifest.Project, 0, len(entries))
	for _, entry := range entries {
		name, rest, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("project entry %q: want name=path@revision", entry)
		}
		path, revision, ok := strings.Cut(rest, "@")
		if !ok {
			return nil, fmt.Errorf("project entry %q: want name=path@revision", entry)
		}
		if name == "" || path == "" || revision == "" {
			return nil, fmt.Errorf("project entry %q: empty field", entry)
		}
		projects = append(projects, manifest.Project{Name: name, Path: path, Revision: revision})
	}
	return projects, nil
}

// payloadFunc builds the buildspec document from the validated project pins.
func payloadFunc(projects []manifest.Project) coordinator.PayloadFunc {
	return func(c version.Candidate) ([]byte, error) {
		return manifest.New(c.String(), projects).Encode()
	}
}

// cycle runs one full coordination attempt: claim a candidate, run the local
// build, report the outcome, rendezvous with peers, and (for the master with
// everyone green) promote.
func (s *server) cycle(ctx context.Context) {
	s.mu.Lock()
	if s.cycling {
		s.mu.Unlock()
		log.Printf("cycle already in progress, skipping")
		return
	}
	s.cycling = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cycling = false
		s.mu.Unlock()
	}()

	ctx, span := s.tracer.Start(ctx, "coordination.cycle")
	defer span.End()

	var (
		run *coordinator.Run
		err error
	)
	if s.cfg.Master {
		run, err = s.manager.CreateNextCandidate(ctx, s.cfg.VersionFile)
	} else {
		run, err = s.manager.GetNextCandidate(ctx, s.cfg.VersionFile)
	}
	if err != nil {
		log.Printf("candidate generation failed: %v", err)
		return
	}
	if run == nil {
		log.Printf("nothing to build for %s", s.cfg.BuilderName)
		return
	}

	s.setRun(run)
	s.recordRun(run, "inflight")
	s.publish(events.Event{Kind: events.KindClaimed, Builder: run.Builder,
		Candidate: run.Candidate.String(), Status: string(specstore.StatusInflight)})

	status := s.runLocalBuild(ctx, run)
	if err := s.manager.ReportResult(ctx, run.Candidate, status); err != nil {
		log.Printf("report result failed: %v", err)
		s.recordFinish(run, "error", err.Error())
		return
	}
	s.publish(events.Event{Kind: events.KindPeerStatus, Builder: run.Builder,
		Candidate: run.Candidate.String(), Peer: run.Builder, Status: string(status)})

	statuses, complete, err := s.manager.PollPeerStatuses(ctx, run.Candidate, s.cfg.Peers,
		s.cfg.MaxWait, s.cfg.PollInterval)
	if err != nil {
		log.Printf("peer polling failed: %v", err)
		s.recordFinish(run, "error", err.Error())
		return
	}
	s.setPeerSnapshot(run, statuses, complete)
	for peer, st := range statuses {
		s.publish(events.Event{Kind: events.KindPeerStatus, Builder: run.Builder,
			Candidate: run.Candidate.String(), Peer: peer, Status: string(st)})
	}
	if !complete {
		s.publish(events.Event{Kind: events.KindTimeout, Builder: run.Builder,
			Candidate: run.Candidate.String()})
		s.recordFinish(run, "timeout", "")
		return
	}

	if s.cfg.Master && status == specstore.StatusPass {
		if err := s.manager.PromoteCandidate(ctx, run.Candidate, s.cfg.Peers); err != nil {
			if errors.Is(err, coordinator.ErrPeerNotPassed) {
				log.Printf("promotion refused: %v", err)
				s.recordFinish(run, "abandoned", err.Error())
			} else {
				log.Printf("promotion failed: %v", err)
				s.recordFinish(run, "error", err.Error())
			}
			return
		}
		s.publish(events.Event{Kind: events.KindPromoted, Builder: run.Builder,
			Candidate: run.Candidate.String(), Status: string(specstore.StatusPass)})
		if s.history != nil {
			if err := s.history.RecordPromotion(run.Candidate.String(), run.Builder); err != nil {
				log.Printf("record promotion failed: %v", err)
			}
		}
		s.recordFinish(run, "promoted", "")
		return
	}
	s.recordFinish(run, string(status), "")
}

// runLocalBuild executes the opaque build job and maps its exit status to a
// terminal marker. With no command configured the build is treated as a pass,
// which keeps smoke setups useful.
func (s *server) runLocalBuild(ctx context.Context, run *coordinator.Run) specstore.Status {
	command := strings.TrimSpace(os.Getenv("LKGM_BUILD_COMMAND"))
	if command == "" {
		log.Printf("no build command configured, marking %s pass", run.Candidate)
		return specstore.StatusPass
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	if workdir := strings.TrimSpace(os.Getenv("LKGM_BUILD_WORKDIR")); workdir != "" {
		cmd.Dir = workdir
	}
	// Board and overlay values are opaque here; the build job interprets them.
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("LKGM_CANDIDATE=%s", run.Candidate),
		fmt.Sprintf("LKGM_BUILDER=%s", run.Builder),
		fmt.Sprintf("LKGM_BOARD=%s", s.cfg.Board),
		fmt.Sprintf("LKGM_HOSTNAME=%s", s.cfg.Hostname),
		fmt.Sprintf("LKGM_REV_OVERLAYS=%s", s.cfg.RevOverlays),
		fmt.Sprintf("LKGM_PUSH_OVERLAYS=%s", s.cfg.PushOverlays),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		log.Printf("build command failed for %s: %v", run.Candidate, err)
		return specstore.StatusFail
	}
	return specstore.StatusPass
}

func (s *server) setRun(run *coordinator.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run = run
}

func (s *server) setPeerSnapshot(run *coordinator.Run, statuses map[string]specstore.Status, complete bool) {
	next := *run
	next.Peers = statuses
	next.PeersComplete = complete
	s.mu.Lock()
	defer s.mu.Unlock()
	s.run = &next
}

func (s *server) recordRun(run *coordinator.Run, status string) {
	if s.history == nil {
		return
	}
	now := time.Now().UTC()
	err := s.history.RecordRun(history.RunRecord{
		ID:        run.ID,
		Builder:   run.Builder,
		Baseline:  run.Baseline.String(),
		Candidate: run.Candidate.String(),
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		log.Printf("record run failed: %v", err)
	}
}

func (s *server) recordFinish(run *coordinator.Run, status, errMsg string) {
	if s.history == nil {
		return
	}
	if err := s.history.FinishRun(run.ID, status, errMsg); err != nil {
		log.Printf("finish run failed: %v", err)
	}
}

func (s *server) publish(ev events.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(context.Background(), ev); err != nil {
		log.Printf("publish event failed: %v", err)
	}
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	run := s.run
	s.mu.RUnlock()
	if run == nil {
		respondError(w, http.StatusNotFound, "no coordination run yet")
		return
	}
	respondJSON(w, map[string]any{"run": run}, http.StatusOK)
}

func (s *server) handleGetPeers(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	run := s.run
	s.mu.RUnlock()
	if run == nil || run.Peers == nil {
		respondError(w, http.StatusNotFound, "no peer snapshot yet")
		return
	}
	respondJSON(w, map[string]any{
		"candidate": run.Candidate.String(),
		"peers":     run.Peers,
		"complete":  run.PeersComplete,
	}, http.StatusOK)
}

func (s *server) handleGetPromoted(w http.ResponseWriter, r *http.Request) {
	c, err := s.store.Promoted(r.Context())
	if err != nil {
		if errors.Is(err, specstore.ErrNotPromoted) {
			respondError(w, http.StatusNotFound, "no promoted candidate")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, map[string]string{"lkgm": c.String()}, http.StatusOK)
}

func (s *server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		respondError(w, http.StatusNotFound, "history store not configured")
		return
	}
	runs, err := s.history.ListRuns(50)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	payload := map[string]any{"runs": runs}
	if candidate, at, err := s.history.LastPromotion(); err == nil {
		payload["last_promotion"] = map[string]any{"candidate": candidate, "at": at}
	}
	respondJSON(w, payload, http.StatusOK)
}

func (s *server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		respondError(w, http.StatusNotFound, "event stream not configured")
		return
	}
	recent, err := s.events.Recent(r.Context(), 100)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, map[string]any{"events": recent}, http.StatusOK)
}

func (s *server) handleTriggerCycle(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	busy := s.cycling
	s.mu.RUnlock()
	if busy {
		respondError(w, http.StatusConflict, "cycle already in progress")
		return
	}
	go s.cycle(context.Background())
	respondJSON(w, map[string]string{"status": "started"}, http.StatusAccepted)
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, map[string]string{"error": message}, status)
}

type stdLogger struct{}

func (stdLogger) Info(msg string, args ...any)  { log.Println(append([]any{msg}, args...)...) }
func (stdLogger) Error(msg string, args ...any) { log.Println(append([]any{msg}, args...)...) }
