// Package optical advertises freshly ingested items to optical bridge nodes
// so indexers can serve them before the bundle reaches the network.
package optical

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"permabundle/internal/config"
	"permabundle/internal/dataitem"
	"permabundle/internal/errs"
)

// Poster fans an item envelope out to every configured bridge.
type Poster struct {
	urls       []string
	adminKey   string
	httpClient *http.Client
	logger     *slog.Logger
}

// New builds a poster. With no bridge URLs configured Post is a no-op.
func New(cfg *config.OpticalConfig, logger *slog.Logger) *Poster {
	return &Poster{
		urls:       cfg.BridgeURLs,
		adminKey:   cfg.AdminKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With("component", "optical"),
	}
}

// SetHTTPClient swaps the transport, used by tests.
func (p *Poster) SetHTTPClient(hc *http.Client) {
	p.httpClient = hc
}

// Enabled reports whether any bridges are configured.
func (p *Poster) Enabled() bool {
	return len(p.urls) > 0
}

// Post sends the envelope to every bridge. A bridge that stays down after
// retries fails the whole post so the job requeues; bridges that already
// accepted the envelope tolerate the replay.
func (p *Poster) Post(ctx context.Context, env *dataitem.Envelope) error {
	if !p.Enabled() {
		return nil
	}
	body, err := json.Marshal(env)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "marshal optical envelope", err)
	}

	var failed []string
	for _, url := range p.urls {
		if err := p.postOne(ctx, url, body); err != nil {
			p.logger.Warn("optical bridge post failed", "bridge", url, "item_id", env.ID, "error", err)
			failed = append(failed, url)
			continue
		}
		p.logger.Debug("optical bridge accepted item", "bridge", url, "item_id", env.ID)
	}
	if len(failed) > 0 {
		return errs.Newf(errs.KindUnavailable, "%d of %d optical bridges rejected item %s",
			len(failed), len(p.urls), env.ID)
	}
	return nil
}

func (p *Poster) postOne(ctx context.Context, url string, body []byte) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if p.adminKey != "" {
			req.Header.Set("Authorization", "Bearer "+p.adminKey)
		}

		resp, err := p.httpClient.Do(req)
		if err != nil {
			return errs.Wrap(errs.KindUnavailable, "bridge unreachable", err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return errs.Newf(errs.KindUnavailable, "bridge returned %d", resp.StatusCode)
		default:
			return backoff.Permanent(errs.Newf(errs.KindBadRequest, "bridge rejected envelope: %d", resp.StatusCode))
		}
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	return backoff.Retry(op, policy)
}
