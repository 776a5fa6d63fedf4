package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"mss.voxelcraft.ai/internal/agents"
	"mss.voxelcraft.ai/internal/engine"
	"mss.voxelcraft.ai/internal/filter"
	"mss.voxelcraft.ai/internal/guard"
	"mss.voxelcraft.ai/internal/persistence/archive"
	persistlog "mss.voxelcraft.ai/internal/persistence/log"
	"mss.voxelcraft.ai/internal/persistence/snapshot"
	"mss.voxelcraft.ai/internal/topology"
	"mss.voxelcraft.ai/internal/transport/ws"
	"mss.voxelcraft.ai/internal/tuning"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		configPath = flag.String("config", "./configs/config.yaml", "path to config.yaml (missing file: defaults)")
		memory     = flag.Bool("memory", false, "keep state in memory only (nothing survives a restart)")
		token      = flag.String("token", "", "shared secret plugins send in HELLO (or set MSS_TOKEN)")
		snapEvery  = flag.Duration("snapshot_every", 0, "write a full snapshot at this interval (0 disables)")
		snapKeep   = flag.Int("snapshot_keep", 24, "periodic snapshots to keep (0 keeps all)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[mss] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := tuning.Load(*configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load config: %v", err)
		}
		logger.Printf("config not found (%s); using defaults", *configPath)
		cfg, _ = tuning.Load("")
	}
	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Fatalf("data dir: %v", err)
	}

	be, err := openBackend(*memory, *dataDir)
	if err != nil {
		logger.Fatalf("open store: %v", err)
	}
	defer be.Close()

	res := topology.NewResolver(cfg.Network.MaxBlocks)
	markers := guard.NewMarkerCache(res, cfg.MarkerTTL())
	opts := []engine.Option{engine.WithLogger(logger), engine.WithInvalidator(markers)}
	if cfg.Logging.Audit {
		auditLog := persistlog.NewAuditLogger(*dataDir)
		defer auditLog.Close()
		opts = append(opts, engine.WithAudit(auditLog))
	}
	eng := engine.New(be.state, res, cfg.Engine(), opts...)

	ctx, cancel := signalContext()
	defer cancel()

	openCtx, openCancel := context.WithTimeout(ctx, time.Minute)
	err = eng.Open(openCtx)
	openCancel()
	if err != nil {
		logger.Fatalf("restore: %v", err)
	}
	st := eng.Stats()
	logger.Printf("restored %d networks (%d valid), %d blocks, %d disks (%d orphaned), %d item types",
		st.Networks, st.ValidNetworks, st.Blocks, st.Disks, st.OrphanedDisks, st.ItemTypes)

	reg := agents.NewRegistry(be.agents, res)
	if err := reg.Load(ctx); err != nil {
		logger.Fatalf("agents: %v", err)
	}
	boxes := agents.NewMemContainers(27 * 64)
	for _, a := range reg.List() {
		boxes.Ensure(a.Target)
	}
	deny := filter.NewDenyList(cfg.BlacklistedItems)
	cool := guard.NewCooldowns(cfg.OperationCooldown())

	secret := strings.TrimSpace(*token)
	if secret == "" {
		secret = strings.TrimSpace(os.Getenv("MSS_TOKEN"))
	}
	wsSrv, err := ws.NewServer(ws.Config{
		Engine:     eng,
		Registry:   reg,
		Containers: boxes,
		Cooldowns:  cool,
		Filter:     deny,
		Markers:    markers,
		Token:      secret,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatalf("ws: %v", err)
	}

	if cfg.Agents.Enabled {
		sched := agents.NewScheduler(reg, eng, boxes, deny, logger)
		sched.Interval = cfg.AgentInterval()
		sched.MaxPerTransfer = int64(cfg.Agents.MaxPerTransfer)
		go sched.Run(ctx)
	}

	// Housekeeping for the advisory caches.
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				cool.Sweep(10 * time.Minute)
				markers.Sweep()
			}
		}
	}()

	rt := &live{eng: eng, res: res, markers: markers, cool: cool, deny: deny, logger: logger}
	if _, err := os.Stat(*configPath); err == nil {
		go func() {
			if err := watchConfig(ctx, *configPath, rt.apply, logger); err != nil {
				logger.Printf("config watch: %v", err)
			}
		}()
	}

	snapDir := filepath.Join(*dataDir, "snapshots")
	if *snapEvery > 0 {
		go func() {
			t := time.NewTicker(*snapEvery)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					if path, err := writeSnapshot(ctx, be.state, snapDir); err != nil {
						logger.Printf("snapshot write: %v", err)
					} else {
						logger.Printf("snapshot written: %s", filepath.Base(path))
					}
					if removed, err := archive.Prune(snapDir, *snapKeep); err != nil {
						logger.Printf("snapshot prune: %v", err)
					} else if len(removed) > 0 {
						logger.Printf("snapshot prune: removed %d old file(s)", len(removed))
					}
				}
			}
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/admin/stats", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		resp := struct {
			Engine    engine.Stats      `json:"engine"`
			Sessions  map[string]string `json:"sessions"`
			Markers   guard.CacheStats  `json:"markers"`
			Cooldowns int               `json:"cooldowns"`
			Agents    int               `json:"agents"`
		}{
			Engine:    eng.Stats(),
			Sessions:  wsSrv.Sessions(),
			Markers:   markers.Stats(),
			Cooldowns: cool.Len(),
			Agents:    len(reg.List()),
		}
		_ = json.NewEncoder(rw).Encode(resp)
	})
	admin := &adminAPI{eng: eng, defaultTier: cfg.Storage.DefaultTier, logger: logger}
	admin.register(mux)
	mux.HandleFunc("/admin/snapshot", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		ctx2, cancel2 := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel2()
		path, err := writeSnapshot(ctx2, be.state, snapDir)
		rw.Header().Set("Content-Type", "application/json")
		if err != nil {
			rw.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
			return
		}
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "path": path})
	})
	mux.HandleFunc("/v1/ws", wsSrv.Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
		wsSrv.Close()
	}()

	logger.Printf("listening on %s (memory=%v)", *addr, *memory)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

// writeSnapshot reads the committed state straight from the backend, so it
// never observes a half-applied operation.
func writeSnapshot(ctx context.Context, b engine.Backend, dir string) (string, error) {
	st, err := b.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("load state: %w", err)
	}
	now := time.Now()
	path := filepath.Join(dir, snapshot.FileName(now))
	if err := snapshot.WriteSnapshot(path, snapshot.New(st, now)); err != nil {
		return "", err
	}
	return path, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
