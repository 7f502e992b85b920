package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rogers-f/synthesis-engine/internal/ipc"
)

// client talks to a running synthd over the operator API.
type client struct {
	base string
	http *http.Client
}

func (a *App) newClient(addr string) (*client, error) {
	if addr == "" {
		cfg, err := a.loadConfig()
		if err != nil {
			return nil, err
		}
		addr = ipc.FormatListenURL(cfg.ListenAddr)
	}
	if !strings.Contains(addr, "://") {
		addr = ipc.FormatListenURL(addr)
	}
	return &client{base: strings.TrimRight(addr, "/"), http: &http.Client{Timeout: 10 * time.Second}}, nil
}

// post sends body as JSON and decodes a 2xx response into out when out is
// non-nil. Error responses are reported with the API's code and message.
func (c *client) post(ctx context.Context, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contact synthd at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr ipc.APIError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Message == "" {
			return fmt.Errorf("%s %s: %s", http.MethodPost, path, resp.Status)
		}
		return fmt.Errorf("%s (code %d)", apiErr.Message, apiErr.Code)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (a *App) newResolveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "resolve <blocking-id> <answer>",
		Short: "Answer the open blocking query on a running engine",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.newClient(addr)
			if err != nil {
				return err
			}
			var rec ipc.BlockingView
			path := "/api/v1/blocking/" + url.PathEscape(args[0]) + "/resolve"
			if err := c.post(cmd.Context(), path, ipc.ResolveRequest{Answer: args[1]}, &rec); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "resolved %s [%s]: %s\n", rec.ID, rec.Phase, rec.Answer)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "engine address (default: listen_addr from config)")
	return cmd
}

func (a *App) newRetryCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Retry the current phase after a recoverable failure",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.newClient(addr)
			if err != nil {
				return err
			}
			if err := c.post(cmd.Context(), "/api/v1/retry", nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, "phase is active again")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "engine address (default: listen_addr from config)")
	return cmd
}
