package mcptool

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

func createTransport(cfg TransportConfig) (mcpsdk.Transport, error) {
	switch cfg.Type {
	case TransportTypeStdio:
		return createStdioTransport(cfg)
	case TransportTypeHTTP:
		return createHTTPTransport(cfg)
	case TransportTypeSSE:
		return createSSETransport(cfg)
	default:
		return nil, fmt.Errorf("mcptool: unsupported transport type %q", cfg.Type)
	}
}

func createStdioTransport(cfg TransportConfig) (*mcpsdk.CommandTransport, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("mcptool: stdio transport requires a command")
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env
	return &mcpsdk.CommandTransport{Command: cmd}, nil
}

func createHTTPTransport(cfg TransportConfig) (*mcpsdk.StreamableClientTransport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("mcptool: http transport requires a url")
	}
	t := &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	if cfg.BearerToken != "" {
		t.HTTPClient = bearerClient(cfg.BearerToken)
	}
	return t, nil
}

func createSSETransport(cfg TransportConfig) (*mcpsdk.SSEClientTransport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("mcptool: sse transport requires a url")
	}
	t := &mcpsdk.SSEClientTransport{Endpoint: cfg.URL}
	if cfg.BearerToken != "" {
		t.HTTPClient = bearerClient(cfg.BearerToken)
	}
	return t, nil
}

type bearerRoundTripper struct {
	token string
	inner http.RoundTripper
}

func (t *bearerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.inner.RoundTrip(req)
}

func bearerClient(token string) *http.Client {
	return &http.Client{Transport: &bearerRoundTripper{token: token, inner: http.DefaultTransport}}
}
