package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"mss.voxelcraft.ai/internal/engine"
	"mss.voxelcraft.ai/internal/ledger"
)

// adminActor is recorded on audit entries for mutations made over the
// loopback admin endpoints.
const adminActor = "ADMIN"

// adminAPI serves the mutating admin commands against the live engine, so
// the admin CLI never has to open a second engine on the same store.
type adminAPI struct {
	eng         *engine.Engine
	defaultTier string
	logger      *log.Logger
}

func (a *adminAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("/admin/disks", a.loopback(http.MethodGet, a.disks))
	mux.HandleFunc("/admin/give", a.loopback(http.MethodPost, a.give))
	mux.HandleFunc("/admin/recovery", a.loopback(http.MethodPost, a.recovery))
	mux.HandleFunc("/admin/cleanup", a.loopback(http.MethodPost, a.cleanup))
}

func (a *adminAPI) loopback(method string, h func(context.Context, *http.Request) (any, error)) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		ctx, cancel := context.WithTimeout(engine.WithActor(r.Context(), adminActor), 30*time.Second)
		defer cancel()
		out, err := h(ctx, r)
		rw.Header().Set("Content-Type", "application/json")
		if err != nil {
			if a.logger != nil {
				a.logger.Printf("admin %s: %v", r.URL.Path, err)
			}
			rw.WriteHeader(adminStatus(err))
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
			return
		}
		_ = json.NewEncoder(rw).Encode(out)
	}
}

func adminStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrUnknownDisk):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrDiskInUse), errors.Is(err, engine.ErrDiskNotOrphan),
		errors.Is(err, engine.ErrConcurrentModification):
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", engine.ErrBadRequest, err)
	}
	return nil
}

type giveRequest struct {
	Tier        string `json:"tier"`
	Crafter     string `json:"crafter"`
	CrafterUUID string `json:"crafter_uuid"`
}

type recoveryRequest struct {
	DiskID string `json:"disk_id"`
	Force  bool   `json:"force"`
}

func (a *adminAPI) disks(_ context.Context, r *http.Request) (any, error) {
	if id := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("id"))); id != "" {
		info, err := a.eng.DiskInfo(id)
		if err != nil {
			return nil, err
		}
		return []engine.DiskInfo{info}, nil
	}
	if r.URL.Query().Get("orphaned") != "" {
		return a.eng.OrphanedDisks(), nil
	}
	return a.eng.Disks(), nil
}

func (a *adminAPI) give(ctx context.Context, r *http.Request) (any, error) {
	var req giveRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	t := strings.TrimSpace(req.Tier)
	if t == "" {
		t = a.defaultTier
	}
	tier, err := ledger.ParseTier(t)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", engine.ErrBadRequest, err)
	}
	return a.eng.CreateDisk(ctx, tier, ledger.Crafter{UUID: req.CrafterUUID, Name: req.Crafter})
}

func (a *adminAPI) recovery(ctx context.Context, r *http.Request) (any, error) {
	var req recoveryRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	id := strings.ToUpper(strings.TrimSpace(req.DiskID))
	if id == "" {
		return nil, fmt.Errorf("%w: missing disk_id", engine.ErrBadRequest)
	}
	return a.eng.RecoverDisk(ctx, id, req.Force)
}

func (a *adminAPI) cleanup(ctx context.Context, _ *http.Request) (any, error) {
	return a.eng.Cleanup(ctx)
}
