// Package httpclient provides a centralized HTTP client factory with unified configuration.
package httpclient

import (
	"net"
	"net/http"
	"os"
	"strconv"
	"time"
)

// ClientConfig holds configuration options for creating HTTP clients
type ClientConfig struct {
	// MaxIdleConns controls the maximum number of idle (keep-alive) connections across all hosts
	MaxIdleConns int

	// MaxIdleConnsPerHost controls the maximum idle (keep-alive) connections to keep per-host
	MaxIdleConnsPerHost int

	// IdleConnTimeout is the maximum amount of time an idle connection will remain idle before closing itself
	IdleConnTimeout time.Duration

	// Timeout bounds a whole request including reading the body, so a hung
	// upstream call surfaces as a transient failure instead of blocking a poll.
	Timeout time.Duration

	// DialTimeout is the maximum amount of time a dial will wait for a connect to complete
	DialTimeout time.Duration

	// TLSHandshakeTimeout specifies the maximum amount of time to wait for a TLS handshake
	TLSHandshakeTimeout time.Duration

	// ResponseHeaderTimeout specifies the amount of time to wait for a server's response headers
	ResponseHeaderTimeout time.Duration
}

// getEnvDuration reads a duration from an environment variable, returning the default if not set or invalid.
// Accepts either plain integers (interpreted as seconds) or Go duration strings (e.g., "10s", "1m").
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	return defaultVal
}

// DefaultConfig returns a ClientConfig tuned for a public, rate-limited REST API.
// Can be overridden via environment variables (values in seconds, or Go duration format):
//   - COINWATCH_HTTP_TIMEOUT: overall request timeout (default: 15)
//   - COINWATCH_HTTP_RESPONSE_HEADER_TIMEOUT: time to wait for response headers (default: 10)
func DefaultConfig() ClientConfig {
	return ClientConfig{
		MaxIdleConns:          20,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		Timeout:               getEnvDuration("COINWATCH_HTTP_TIMEOUT", 15*time.Second),
		DialTimeout:           10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: getEnvDuration("COINWATCH_HTTP_RESPONSE_HEADER_TIMEOUT", 10*time.Second),
	}
}

// NewTransport creates the network transport. If config is nil, DefaultConfig() is used.
func NewTransport(config *ClientConfig) *http.Transport {
	if config == nil {
		cfg := DefaultConfig()
		config = &cfg
	}

	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   config.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// NewHTTPClient creates a new HTTP client. When rt is nil a transport built
// from config is used; otherwise rt (typically the interception transport
// wrapping NewTransport) carries the requests.
func NewHTTPClient(config *ClientConfig, rt http.RoundTripper) *http.Client {
	if config == nil {
		cfg := DefaultConfig()
		config = &cfg
	}
	if rt == nil {
		rt = NewTransport(config)
	}

	return &http.Client{
		Transport: rt,
		Timeout:   config.Timeout,
	}
}
