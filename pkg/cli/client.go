package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/rolegraph/pkg/httputil"
	"github.com/platinummonkey/rolegraph/pkg/middleware"
)

const defaultServer = "http://localhost:8080"

// stderr receives request logs
var stderr io.Writer = os.Stderr

// APIError is a non-2xx answer from the server
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to the rolegraph admin API
type Client struct {
	baseURL string
	roles   string
	http    *http.Client
	log     *logrus.Logger
}

// NewClient creates a client. roles is sent as the caller's role list.
func NewClient(baseURL, roles string) *Client {
	log := logrus.New()
	log.SetOutput(stderr)
	log.SetLevel(logrus.WarnLevel)
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		roles:   roles,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

// SetVerbose logs every request and its outcome to stderr
func (c *Client) SetVerbose(verbose bool) {
	if verbose {
		c.log.SetLevel(logrus.DebugLevel)
	} else {
		c.log.SetLevel(logrus.WarnLevel)
	}
}

// Do sends body as JSON and decodes the response into out when both are non-nil
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.roles != "" {
		req.Header.Set(middleware.RolesHeader, c.roles)
	}

	entry := c.log.WithFields(logrus.Fields{"method": method, "url": req.URL.String()})
	entry.Debug("Sending request")
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		entry.WithError(err).Debug("Request failed")
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()
	entry.WithFields(logrus.Fields{
		"status":   resp.StatusCode,
		"duration": time.Since(start).Round(time.Millisecond).String(),
	}).Debug("Received response")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		var apiErr httputil.ErrorResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error, Body: raw}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw)), Body: raw}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if w, ok := out.(io.Writer); ok {
		_, err := io.Copy(w, resp.Body)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// clientFlags are shared by every command that calls the server
type clientFlags struct {
	server  *string
	as      *string
	json    *bool
	verbose *bool
}

func addClientFlags(fs *flag.FlagSet) *clientFlags {
	server := os.Getenv("ROLEGRAPH_SERVER")
	if server == "" {
		server = defaultServer
	}
	return &clientFlags{
		server:  fs.String("server", server, "rolegraph server URL (env ROLEGRAPH_SERVER)"),
		as:      fs.String("as", os.Getenv("ROLEGRAPH_ROLES"), "comma separated caller role IDs (env ROLEGRAPH_ROLES)"),
		json:    fs.Bool("json", false, "Output in JSON format"),
		verbose: fs.Bool("v", false, "Log requests to stderr"),
	}
}

func (f *clientFlags) client() *Client {
	c := NewClient(*f.server, *f.as)
	c.SetVerbose(*f.verbose)
	return c
}

// printJSON writes v indented to stdout
func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// splitList splits a comma separated flag value, dropping blanks
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseObject parses an optional JSON object flag
func parseObject(name, raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return nil, fmt.Errorf("-%s must be a JSON object", name)
	}
	return obj, nil
}

// parseOptionalBool parses a flag that may be left unset
func parseOptionalBool(name, raw string) (*bool, error) {
	switch raw {
	case "":
		return nil, nil
	case "true":
		v := true
		return &v, nil
	case "false":
		v := false
		return &v, nil
	default:
		return nil, fmt.Errorf("-%s must be true or false", name)
	}
}

func required(values map[string]string) error {
	var missing []string
	for name, v := range values {
		if v == "" {
			missing = append(missing, "-"+name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("%s required", strings.Join(missing, ", "))
}
