// Package netcheck answers whether the uplink is usable before a delivery cycle starts.
package netcheck

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPProbe issues a HEAD request to a well-known URL. Any HTTP response below 500 counts as
// online: the point is reaching the internet, not the status of that particular page.
type HTTPProbe struct {
	client *resty.Client
	url    string
	logger *slog.Logger
}

func NewHTTPProbe(url string, timeout time.Duration, logger *slog.Logger) *HTTPProbe {
	if logger == nil {
		logger = slog.Default()
	}
	c := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", "fieldcam-netcheck")
	return &HTTPProbe{client: c, url: url, logger: logger}
}

func (p *HTTPProbe) Online(ctx context.Context) bool {
	resp, err := p.client.R().SetContext(ctx).Head(p.url)
	if err != nil {
		p.logger.Debug("connectivity probe failed", "url", p.url, "error", err)
		return false
	}
	if resp.StatusCode() >= http.StatusInternalServerError {
		p.logger.Debug("connectivity probe got server error", "url", p.url, "status", resp.StatusCode())
		return false
	}
	return true
}

// Always reports online. It is used when no probe URL is configured.
type Always struct{}

func (Always) Online(context.Context) bool { return true }
