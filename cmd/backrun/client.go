// Thin HTTP client shared by the subcommands.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

type client struct {
	base      string
	principal string
	http      *http.Client
}

func newClient(server, principal string) *client {
	if principal == "" {
		principal = os.Getenv("BACKRUN_PRINCIPAL")
	}
	return &client{
		base:      server,
		principal: principal,
		http:      &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends a request and decodes the JSON response into out (when out is
// non-nil). Non-2xx responses become errors carrying the server's error
// field.
func (c *client) do(method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.base+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.principal != "" {
		req.Header.Set("X-Principal", c.principal)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s (%d)", e.Error, resp.StatusCode)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func fatal(prefix string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", prefix, err)
	os.Exit(1)
}
