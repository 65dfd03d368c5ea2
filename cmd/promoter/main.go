// Command promoter watches the shared store and promotes the newest candidate
// once every required builder has reported pass. It is a degenerate master:
// it never claims or builds, only gates the last-known-good pointer.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/buildfleet/lkgm/pkg/config"
	"github.com/buildfleet/lkgm/pkg/coordinator"
	"github.com/buildfleet/lkgm/pkg/specstore"
	"github.com/buildfleet/lkgm/pkg/version"
)

func main() {
	cfg, err := config.LoadBuilder()
	if err != nil {
		log.Fatalf("promoter config failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var syncer specstore.Syncer
	if _, err := os.Stat(cfg.ManifestVersions + "/.git"); err == nil {
		syncer = &specstore.GitSyncer{Branch: cfg.SyncBranch}
	}
	store := specstore.NewTreeStore(cfg.ManifestVersions, syncer)

	// Promotion copies the published buildspec, so no payload source is needed.
	mgr := coordinator.New(store, cfg.BuilderName, nil)

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = coordinator.DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("promoter watching %s every %s", cfg.ManifestVersions, interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("promoter shutting down")
			return
		case <-ticker.C:
			tick(ctx, cfg, store, mgr)
		}
	}
}

func tick(ctx context.Context, cfg config.BuilderConfig, store specstore.Store, mgr *coordinator.Manager) {
	baseline, err := version.Load(cfg.VersionFile)
	if err != nil {
		log.Printf("load baseline: %v", err)
		return
	}
	if err := store.Refresh(ctx); err != nil {
		log.Printf("refresh store: %v", err)
		return
	}

	candidates, err := store.ListCandidates(ctx, baseline)
	if err != nil {
		log.Printf("list candidates: %v", err)
		return
	}
	if len(candidates) == 0 {
		return
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[j].Less(candidates[i]) })
	newest := candidates[0]

	if promoted, err := store.Promoted(ctx); err == nil && promoted == newest {
		return
	} else if err != nil && !errors.Is(err, specstore.ErrNotPromoted) {
		log.Printf("read promoted pointer: %v", err)
		return
	}

	if err := mgr.PromoteCandidate(ctx, newest, cfg.Peers); err != nil {
		if errors.Is(err, coordinator.ErrPeerNotPassed) {
			log.Printf("not promotable yet: %v", err)
			return
		}
		log.Printf("promote %s: %v", newest, err)
		return
	}
	log.Printf("promoted %s", newest)
}
