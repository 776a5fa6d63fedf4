package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"mss.voxelcraft.ai/internal/engine"
	"mss.voxelcraft.ai/internal/ledger"
	"mss.voxelcraft.ai/internal/persistence/memstore"
	"mss.voxelcraft.ai/internal/topology"
)

func startAdmin(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()
	eng := engine.New(memstore.New(), topology.NewResolver(128), engine.Config{})
	if err := eng.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	mux := http.NewServeMux()
	(&adminAPI{eng: eng, defaultTier: "4k", logger: log.New(io.Discard, "", 0)}).register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts, eng
}

func postJSON(t *testing.T, url string, body any, out any) int {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp.StatusCode
}

func TestAdminGiveIsVisibleToLiveEngine(t *testing.T) {
	ts, eng := startAdmin(t)
	ctx := context.Background()
	for x, role := range []topology.Role{topology.RoleServer, topology.RoleDriveBay, topology.RoleTerminal} {
		if _, err := eng.BlockAdded(ctx, topology.Location{World: "w", X: x}, role); err != nil {
			t.Fatalf("BlockAdded: %v", err)
		}
	}

	var info engine.DiskInfo
	if code := postJSON(t, ts.URL+"/admin/give", giveRequest{Crafter: "op"}, &info); code != http.StatusOK {
		t.Fatalf("give status = %d", code)
	}
	if info.Tier != ledger.Tier4K || info.Crafter.Name != "op" {
		t.Fatalf("give = %+v", info)
	}
	if err := eng.InsertDisk(ctx, topology.Location{World: "w", X: 1}, 0, info.ID); err != nil {
		t.Fatalf("InsertDisk of given disk: %v", err)
	}

	var rep engine.CleanupReport
	if code := postJSON(t, ts.URL+"/admin/cleanup", struct{}{}, &rep); code != http.StatusOK {
		t.Fatalf("cleanup status = %d", code)
	}

	if code := postJSON(t, ts.URL+"/admin/recovery", recoveryRequest{DiskID: info.ID}, nil); code != http.StatusConflict {
		t.Fatalf("recovery in bay status = %d, want 409", code)
	}
	var rec engine.DiskInfo
	if code := postJSON(t, ts.URL+"/admin/recovery", recoveryRequest{DiskID: info.ID, Force: true}, &rec); code != http.StatusOK {
		t.Fatalf("forced recovery status = %d", code)
	}
	if rec.Slot != nil {
		t.Fatalf("recovered disk still slotted: %+v", rec)
	}
	if d, _ := eng.DiskInfo(info.ID); d.Slot != nil {
		t.Fatalf("engine still sees %s in a bay", info.ID)
	}

	resp, err := http.Get(ts.URL + "/admin/disks?id=" + info.ID)
	if err != nil {
		t.Fatalf("GET disks: %v", err)
	}
	defer resp.Body.Close()
	var list []engine.DiskInfo
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil || len(list) != 1 || list[0].ID != info.ID {
		t.Fatalf("disks = %+v, %v", list, err)
	}
}

func TestAdminRejectsBadRequests(t *testing.T) {
	ts, _ := startAdmin(t)
	cases := []struct {
		path string
		body any
		want int
	}{
		{"/admin/give", giveRequest{Tier: "2k"}, http.StatusBadRequest},
		{"/admin/give", map[string]any{"tier": "1k", "extra": 1}, http.StatusBadRequest},
		{"/admin/recovery", recoveryRequest{}, http.StatusBadRequest},
		{"/admin/recovery", recoveryRequest{DiskID: "NOPE"}, http.StatusNotFound},
	}
	for _, c := range cases {
		if code := postJSON(t, ts.URL+c.path, c.body, nil); code != c.want {
			t.Fatalf("%s %+v: status %d, want %d", c.path, c.body, code, c.want)
		}
	}
	resp, err := http.Get(ts.URL + "/admin/give")
	if err != nil {
		t.Fatalf("GET give: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET give status = %d", resp.StatusCode)
	}
}
