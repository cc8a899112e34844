package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chatpilot/chatpilot/internal/config"
	"github.com/chatpilot/chatpilot/internal/queue"
)

// errNotRunning is returned when no pilot answers on the dashboard address.
var errNotRunning = errors.New("no running pilot answered")

// apiClient talks to a running pilot's dashboard API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(web config.WebSettings) *apiClient {
	base := strings.TrimSpace(web.Listen)
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: web.Token,
		http:  &http.Client{Timeout: 5 * time.Second},
	}
}

type queueView struct {
	Paused     bool                `json:"paused"`
	ActiveRoom string              `json:"activeRoom"`
	Entries    []queue.EntryStatus `json:"entries"`
}

type controlView struct {
	Paused bool `json:"paused"`
}

func (c *apiClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w at %s: %v", errNotRunning, c.base, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Code != "" {
			return fmt.Errorf("%s: %s", apiErr.Error.Code, apiErr.Error.Message)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func (c *apiClient) Queue(ctx context.Context) (queueView, error) {
	var v queueView
	err := c.do(ctx, http.MethodGet, "/api/queue", &v)
	return v, err
}

// SetPaused pauses or resumes the list watch and returns the new state.
func (c *apiClient) SetPaused(ctx context.Context, paused bool) (bool, error) {
	path := "/api/resume"
	if paused {
		path = "/api/pause"
	}
	var v controlView
	if err := c.do(ctx, http.MethodPost, path, &v); err != nil {
		return false, err
	}
	return v.Paused, nil
}
