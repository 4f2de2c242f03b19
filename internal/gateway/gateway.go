// Package gateway is the storage-network client: it posts assembled bundle
// payloads in resumable chunks and polls transaction confirmations.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/cenkalti/backoff/v4"

	"permabundle/internal/config"
	"permabundle/internal/errs"
)

// Client talks to one storage-network gateway.
type Client struct {
	baseURL          string
	chunkSize        int64
	minConfirmations int
	httpClient       *http.Client
}

// New builds a gateway client.
func New(cfg *config.GatewayConfig) *Client {
	return &Client{
		baseURL:          cfg.URL,
		chunkSize:        cfg.ChunkSize,
		minConfirmations: cfg.MinConfirmations,
		httpClient:       &http.Client{},
	}
}

// SetHTTPClient swaps the transport, used by tests.
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}

// TxHeader announces a transaction before its chunks stream up.
type TxHeader struct {
	ID        string `json:"id"`
	ByteCount int64  `json:"byteCount"`
	Owner     string `json:"owner"`
	Signature string `json:"signature,omitempty"`
}

// PostTx announces the transaction, then streams the payload in fixed-size
// chunks. Each chunk retries independently, so a flaky network resumes
// instead of restarting the whole payload.
func (c *Client) PostTx(ctx context.Context, header *TxHeader, payload io.Reader) error {
	if err := c.postHeader(ctx, header); err != nil {
		return err
	}

	buf := make([]byte, c.chunkSize)
	var offset int64
	for {
		n, err := io.ReadFull(payload, buf)
		if n > 0 {
			if err := c.postChunk(ctx, header.ID, offset, buf[:n]); err != nil {
				return err
			}
			offset += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return errs.Wrap(errs.KindInternal, "read bundle payload", err)
		}
	}

	if offset != header.ByteCount {
		return errs.Newf(errs.KindInternal,
			"posted %d bytes for tx %s, expected %d", offset, header.ID, header.ByteCount)
	}
	return nil
}

func (c *Client) postHeader(ctx context.Context, header *TxHeader) error {
	body, err := json.Marshal(header)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "marshal tx header", err)
	}
	return c.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tx", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		return c.send(req)
	})
}

func (c *Client) postChunk(ctx context.Context, txID string, offset int64, chunk []byte) error {
	url := fmt.Sprintf("%s/tx/%s/chunk/%d", c.baseURL, txID, offset)
	return c.withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(chunk))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		return c.send(req)
	})
}

func (c *Client) send(req *http.Request) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindUnavailable, "gateway unreachable", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return errs.Newf(errs.KindUnavailable, "gateway returned %d", resp.StatusCode)
	default:
		return backoff.Permanent(errs.Newf(errs.KindBadRequest, "gateway rejected request: %d", resp.StatusCode))
	}
}

func (c *Client) withRetry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	return backoff.Retry(op, policy)
}

// TxStatus is the confirmation state of a posted transaction.
type TxStatus struct {
	Confirmations int   `json:"confirmations"`
	BlockHeight   int64 `json:"blockHeight"`
	Confirmed     bool  `json:"-"`
}

// Status polls a transaction. An unknown tx is not an error: the network
// may not have gossiped it yet, so it reports zero confirmations.
func (c *Client) Status(ctx context.Context, txID string) (*TxStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tx/"+txID+"/status", nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "build status request", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "gateway unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &TxStatus{}, nil
	}
	if resp.StatusCode >= 400 {
		return nil, errs.Newf(errs.KindUnavailable, "gateway status returned %d", resp.StatusCode)
	}

	var status TxStatus
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&status); err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "decode tx status", err)
	}
	status.Confirmed = status.Confirmations >= c.minConfirmations
	return &status, nil
}
