package optical

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"permabundle/internal/config"
	"permabundle/internal/dataitem"
	"permabundle/internal/errs"
)

func newTestPoster(urls ...string) *Poster {
	p := New(&config.OpticalConfig{
		BridgeURLs: urls,
		AdminKey:   "bridge-admin-key",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	p.SetHTTPClient(&http.Client{Transport: httpmock.DefaultTransport})
	return p
}

func testEnvelope() *dataitem.Envelope {
	return &dataitem.Envelope{
		ID:            "0000000000000000000000000000000000000000000",
		Owner:         "0x857b06519E91e3A54538791bDbb0E22373e36b66",
		SignatureKind: dataitem.KindEthereum,
		ByteCount:     1234,
		UploadedAt:    time.Now().UTC(),
	}
}

func TestPostFansOutWithAdminKey(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	for _, url := range []string{"https://bridge-a.test/optical", "https://bridge-b.test/optical"} {
		httpmock.RegisterResponder(http.MethodPost, url,
			func(req *http.Request) (*http.Response, error) {
				assert.Equal(t, "Bearer bridge-admin-key", req.Header.Get("Authorization"))
				var env dataitem.Envelope
				require.NoError(t, json.NewDecoder(req.Body).Decode(&env))
				assert.Equal(t, int64(1234), env.ByteCount)
				return httpmock.NewStringResponse(200, `{}`), nil
			})
	}

	p := newTestPoster("https://bridge-a.test/optical", "https://bridge-b.test/optical")
	require.NoError(t, p.Post(context.Background(), testEnvelope()))
	assert.Equal(t, 2, httpmock.GetTotalCallCount())
}

func TestPostRetriesTransientBridge(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	var attempts int
	httpmock.RegisterResponder(http.MethodPost, "https://bridge.test/optical",
		func(*http.Request) (*http.Response, error) {
			attempts++
			if attempts == 1 {
				return httpmock.NewStringResponse(503, "busy"), nil
			}
			return httpmock.NewStringResponse(200, `{}`), nil
		})

	p := newTestPoster("https://bridge.test/optical")
	require.NoError(t, p.Post(context.Background(), testEnvelope()))
	assert.Equal(t, 2, attempts)
}

func TestPostReportsDownBridges(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, "https://up.test/optical",
		httpmock.NewStringResponder(200, `{}`))
	httpmock.RegisterResponder(http.MethodPost, "https://down.test/optical",
		httpmock.NewErrorResponder(assert.AnError))

	p := newTestPoster("https://up.test/optical", "https://down.test/optical")
	err := p.Post(context.Background(), testEnvelope())
	require.Error(t, err)
	assert.Equal(t, errs.KindUnavailable, errs.KindOf(err))
	assert.Contains(t, err.Error(), "1 of 2")
}

func TestPostNoBridgesIsNoop(t *testing.T) {
	p := newTestPoster()
	assert.False(t, p.Enabled())
	assert.NoError(t, p.Post(context.Background(), testEnvelope()))
}
