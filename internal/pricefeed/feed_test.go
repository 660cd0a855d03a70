package pricefeed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func quoteServer(t *testing.T, status int, body string) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newTestFeed(t *testing.T, url string, opts ...Option) *Feed {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return fixedNow }), withBackoff(time.Millisecond)}, opts...)
	f, err := NewFeed(url, opts...)
	require.NoError(t, err)
	return f
}

func TestQuoteParsesAndCaches(t *testing.T) {
	srv, hits := quoteServer(t, http.StatusOK, `{"price_per_share":"1.5","updated_at":"2025-03-01T11:59:00Z"}`)
	f := newTestFeed(t, srv.URL)

	q, err := f.Quote(context.Background())
	require.NoError(t, err)
	assert.True(t, q.PricePerShare.Equal(sdkmath.LegacyMustNewDecFromStr("1.5")))

	_, err = f.Quote(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(hits), "second quote is served from cache")
}

func TestQuoteRejectsBadData(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `price`},
		{"empty", ``},
		{"zero price", `{"price_per_share":"0","updated_at":"2025-03-01T11:59:00Z"}`},
		{"bad decimal", `{"price_per_share":"abc","updated_at":"2025-03-01T11:59:00Z"}`},
		{"missing timestamp", `{"price_per_share":"1.0"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, hits := quoteServer(t, http.StatusOK, tt.body)
			f := newTestFeed(t, srv.URL)
			_, err := f.Quote(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidPriceData)
			assert.EqualValues(t, MAX_RETRIES, atomic.LoadInt32(hits))
		})
	}
}

func TestStaleQuoteIsNotRetried(t *testing.T) {
	srv, hits := quoteServer(t, http.StatusOK, `{"price_per_share":"1.0","updated_at":"2025-03-01T10:00:00Z"}`)
	f := newTestFeed(t, srv.URL)

	_, err := f.Quote(context.Background())
	assert.ErrorIs(t, err, ErrStaleQuote)
	assert.EqualValues(t, 1, atomic.LoadInt32(hits))
}

func TestQuoteRetriesServerErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"price_per_share":"2","updated_at":"2025-03-01T11:59:00Z"}`)
	}))
	defer srv.Close()

	f := newTestFeed(t, srv.URL)
	q, err := f.Quote(context.Background())
	require.NoError(t, err)
	assert.True(t, q.PricePerShare.Equal(sdkmath.LegacyNewDec(2)))
	assert.EqualValues(t, 3, atomic.LoadInt32(&hits))
}

func TestExitSizerAppliesSlippage(t *testing.T) {
	srv, _ := quoteServer(t, http.StatusOK, `{"price_per_share":"1.5","updated_at":"2025-03-01T11:59:00Z"}`)
	sizer, err := NewExitSizer(newTestFeed(t, srv.URL), sdkmath.LegacyMustNewDecFromStr("0.02"))
	require.NoError(t, err)

	out, err := sizer.TokenOutMinAmount(context.Background(), sdkmath.NewInt(1000))
	require.NoError(t, err)
	assert.Equal(t, "1470", out.String())

	_, err = sizer.TokenOutMinAmount(context.Background(), sdkmath.NewInt(-1))
	assert.Error(t, err)
}

func TestConfigurationErrors(t *testing.T) {
	_, err := NewFeed("")
	assert.ErrorIs(t, err, ErrFeedConfiguration)

	_, err = NewExitSizer(nil, sdkmath.LegacyZeroDec())
	assert.ErrorIs(t, err, ErrFeedConfiguration)

	f := newTestFeed(t, "http://127.0.0.1:0")
	_, err = NewExitSizer(f, sdkmath.LegacyOneDec())
	assert.ErrorIs(t, err, ErrFeedConfiguration)
}
