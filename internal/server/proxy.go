package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"coinwatch/internal/core"
)

// forwardedRequestHeaders are copied from the client request upstream.
var forwardedRequestHeaders = []string{"Accept", "Accept-Encoding", "Accept-Language"}

var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Length":      true,
}

type proxy struct {
	rt        http.RoundTripper
	upstreams map[string]string
	logger    *slog.Logger
}

// forward handles GET /o/:upstream/*
func (p *proxy) forward(c echo.Context) error {
	name := strings.ToLower(c.Param("upstream"))
	origin, ok := p.upstreams[name]
	if !ok {
		return errorJSON(c, http.StatusNotFound, "not_found_error", "unknown upstream: "+name)
	}

	target := origin + "/" + strings.TrimPrefix(c.Param("*"), "/")
	if q := c.QueryString(); q != "" {
		target += "?" + q
	}

	requestID := c.Response().Header().Get(echo.HeaderXRequestID)
	ctx := core.WithRequestID(c.Request().Context(), requestID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid_request_error", "invalid upstream path")
	}
	for _, h := range forwardedRequestHeaders {
		if v := c.Request().Header.Get(h); v != "" {
			req.Header.Set(h, v)
		}
	}
	if requestID != "" {
		req.Header.Set(echo.HeaderXRequestID, requestID)
	}

	resp, err := p.rt.RoundTrip(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Warn("upstream request failed", "upstream", name, "error", err)
		return errorJSON(c, http.StatusBadGateway, "transient_network_error", "upstream unavailable")
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	dst := c.Response().Header()
	for k, vs := range resp.Header {
		if hopHeaders[k] || k == echo.HeaderXRequestID {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	return c.Stream(resp.StatusCode, resp.Header.Get(echo.HeaderContentType), resp.Body)
}

func errorJSON(c echo.Context, status int, errType, message string) error {
	return c.JSON(status, map[string]any{
		"error": map[string]any{
			"type":    errType,
			"message": message,
		},
	})
}
