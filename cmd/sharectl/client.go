package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// client talks to a running ops server.
type client struct {
	addr string
	http *http.Client
}

func newClient(addr string) *client {
	if v := os.Getenv("SHARE_ADDR"); v != "" {
		addr = v
	}
	return &client{addr: addr, http: &http.Client{Timeout: 30 * time.Second}}
}

func (c *client) get(path string) (map[string]any, error) {
	resp, err := c.http.Get(c.addr + path)
	if err != nil {
		return nil, err
	}
	return parseResponse(resp)
}

func parseResponse(resp *http.Response) (map[string]any, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, data)
	}
	if resp.StatusCode >= 400 {
		if errs, ok := result["errors"].([]any); ok && len(errs) > 0 {
			return nil, fmt.Errorf("%v", errs[0])
		}
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return result, nil
}
