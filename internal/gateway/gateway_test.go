package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"permabundle/internal/config"
	"permabundle/internal/errs"
)

func newTestGateway(chunkSize int64) *Client {
	c := New(&config.GatewayConfig{
		URL:              "https://gateway.test",
		ChunkSize:        chunkSize,
		MinConfirmations: 3,
	})
	c.SetHTTPClient(&http.Client{Transport: httpmock.DefaultTransport})
	return c
}

func TestPostTxStreamsEveryChunk(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	payload := bytes.Repeat([]byte("abcd"), 300) // 1200 bytes, chunk 512 → 3 chunks
	var mu sync.Mutex
	received := map[int64][]byte{}

	httpmock.RegisterResponder(http.MethodPost, "https://gateway.test/tx",
		httpmock.NewStringResponder(200, `{}`))
	httpmock.RegisterResponder(http.MethodPost, `=~^https://gateway\.test/tx/tx-1/chunk/(\d+)$`,
		func(req *http.Request) (*http.Response, error) {
			offset, err := httpmock.GetSubmatchAsInt(req, 1)
			if err != nil {
				return nil, err
			}
			body, _ := io.ReadAll(req.Body)
			mu.Lock()
			received[offset] = body
			mu.Unlock()
			return httpmock.NewStringResponse(200, `{}`), nil
		})

	c := newTestGateway(512)
	err := c.PostTx(context.Background(), &TxHeader{
		ID:        "tx-1",
		ByteCount: int64(len(payload)),
		Owner:     "bundler",
	}, bytes.NewReader(payload))
	require.NoError(t, err)

	require.Len(t, received, 3)
	assert.Equal(t, payload[:512], received[0])
	assert.Equal(t, payload[512:1024], received[512])
	assert.Equal(t, payload[1024:], received[1024])
}

func TestPostTxRetriesFlakyChunk(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "https://gateway.test/tx",
		httpmock.NewStringResponder(200, `{}`))

	var attempts int
	httpmock.RegisterResponder(http.MethodPost, "https://gateway.test/tx/tx-2/chunk/0",
		func(*http.Request) (*http.Response, error) {
			attempts++
			if attempts < 3 {
				return httpmock.NewStringResponse(503, "overloaded"), nil
			}
			return httpmock.NewStringResponse(200, `{}`), nil
		})

	c := newTestGateway(1024)
	err := c.PostTx(context.Background(), &TxHeader{ID: "tx-2", ByteCount: 10}, bytes.NewReader(make([]byte, 10)))
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestPostTxRejectionIsFinal(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "https://gateway.test/tx",
		httpmock.NewStringResponder(400, "malformed header"))

	c := newTestGateway(1024)
	err := c.PostTx(context.Background(), &TxHeader{ID: "tx-3", ByteCount: 4}, bytes.NewReader([]byte("data")))
	require.Error(t, err)
	assert.Equal(t, errs.KindBadRequest, errs.KindOf(err))
	// One attempt, no retries on a 4xx.
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestStatusConfirmations(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	for _, tc := range []struct {
		confirmations int
		confirmed     bool
	}{
		{0, false},
		{2, false},
		{3, true},
		{10, true},
	} {
		httpmock.RegisterResponder(http.MethodGet, "https://gateway.test/tx/tx-4/status",
			httpmock.NewStringResponder(200,
				fmt.Sprintf(`{"confirmations":%d,"blockHeight":100}`, tc.confirmations)))

		c := newTestGateway(1024)
		status, err := c.Status(context.Background(), "tx-4")
		require.NoError(t, err)
		assert.Equal(t, tc.confirmations, status.Confirmations)
		assert.Equal(t, tc.confirmed, status.Confirmed)
	}
}

func TestStatusUnknownTxIsPending(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodGet, "https://gateway.test/tx/unknown/status",
		httpmock.NewStringResponder(404, "not found"))

	c := newTestGateway(1024)
	status, err := c.Status(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Equal(t, 0, status.Confirmations)
	assert.False(t, status.Confirmed)
}
