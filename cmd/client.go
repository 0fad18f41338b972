// Package main provides CLI commands for diffdeck.
// This file holds the shared HTTP plumbing the commands use to talk to
// a running daemon: server discovery, request helpers, and decoding of
// the server's coded-error envelope.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/diffdeck/diffdeck/internal/daemon"
	apperrors "github.com/diffdeck/diffdeck/internal/errors"
)

// apiTimeout bounds every control-plane request. Verdict waiting polls
// repeatedly rather than holding one long request.
const apiTimeout = 10 * time.Second

func apiClient() *http.Client {
	return &http.Client{Timeout: apiTimeout}
}

// resolveBaseURL finds the server to talk to. An explicit --addr wins;
// otherwise the discovery record is consulted, and with ensure set a
// daemon is spawned when none is running.
func resolveBaseURL(ctx context.Context, addr string, ensure bool, stdout io.Writer) (string, error) {
	if addr != "" {
		return "http://" + addr, nil
	}

	recordPath, err := daemon.RecordPath(daemon.ServerRecordName)
	if err != nil {
		return "", err
	}

	if !ensure {
		rec, err := daemon.Discover(recordPath)
		if err != nil {
			return "", err
		}
		return rec.URL(), nil
	}

	info, err := daemon.EnsureServer(ctx, daemon.EnsureOptions{RecordPath: recordPath})
	if err != nil {
		return "", err
	}
	if info.Spawned {
		fmt.Fprintf(stdout, "Started diffdeck daemon (pid %d)\n", info.PID)
	}
	return info.URL, nil
}

// errorEnvelope is the server's JSON error shape.
type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// decodeAPIError turns a non-2xx response into a coded error, falling
// back to the raw body when the envelope does not parse.
func decodeAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error.Code != "" {
		return apperrors.New(env.Error.Code, env.Error.Message)
	}
	return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// getJSON issues a GET and decodes the response into out.
func getJSON(baseURL, path string, out interface{}) error {
	resp, err := apiClient().Get(baseURL + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// postJSON issues a POST with a JSON body and decodes the response into
// out (out may be nil to discard).
func postJSON(baseURL, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	resp, err := apiClient().Post(baseURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// deleteJSON issues a DELETE.
func deleteJSON(baseURL, path string) error {
	req, err := http.NewRequest(http.MethodDelete, baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := apiClient().Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	return nil
}
