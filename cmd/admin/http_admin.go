package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// liveServer talks to the loopback admin endpoints of a running server.
// Mutations go through it whenever a server answers, so they land in the
// engine that owns the store.
type liveServer struct {
	base string
	cl   *http.Client
}

// dialServer returns nil when nothing answers /healthz at baseURL.
func dialServer(baseURL string) *liveServer {
	s := &liveServer{
		base: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		cl:   &http.Client{Timeout: 30 * time.Second},
	}
	ping := &http.Client{Timeout: 2 * time.Second}
	resp, err := ping.Get(s.base + "/healthz")
	if err != nil {
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil
	}
	return s
}

func (s *liveServer) get(path string, out any) error {
	return s.do(http.MethodGet, path, nil, out)
}

func (s *liveServer) post(path string, body, out any) error {
	return s.do(http.MethodPost, path, body, out)
}

func (s *liveServer) do(method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.cl.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(b, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(b, out)
}

// The request bodies mirror the server's admin handlers.

type giveRequest struct {
	Tier        string `json:"tier,omitempty"`
	Crafter     string `json:"crafter"`
	CrafterUUID string `json:"crafter_uuid,omitempty"`
}

type recoveryRequest struct {
	DiskID string `json:"disk_id"`
	Force  bool   `json:"force,omitempty"`
}
