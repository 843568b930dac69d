package pos

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smashbros/backoffice/internal/shift"
)

func testWindow(t *testing.T) shift.Window {
	t.Helper()
	w, err := shift.NewCalculator("Asia/Bangkok", 7*time.Hour).WindowForKey("2024-03-10")
	require.NoError(t, err)
	return w
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// receiptJSON renders a receipt created 30 minutes into the 2024-03-10 shift.
func receiptJSON(id string, total float64) string {
	return fmt.Sprintf(`{"receipt_number": %q, "created_at": "2024-03-10T10:30:00Z", "total_money": %v}`, id, total)
}

func TestFetcherFollowsContinuationAliases(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/receipts", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		q := r.URL.Query()
		assert.Equal(t, "2024-03-10T10:00:00.000Z", q.Get("created_at_min"))
		assert.Equal(t, "2024-03-10T19:59:59.999Z", q.Get("created_at_max"))
		assert.Equal(t, "250", q.Get("limit"))
		assert.Equal(t, "store-1", q.Get("store_id"))
		switch n {
		case 1:
			assert.Empty(t, q.Get("cursor"))
			_, _ = fmt.Fprintf(w, `{"receipts": [%s, %s], "cursor": "c2"}`, receiptJSON("r1", 100), receiptJSON("r2", 50))
		case 2:
			assert.Equal(t, "c2", q.Get("cursor"))
			_, _ = fmt.Fprintf(w, `{"receipts": [%s], "next_page_token": "c3"}`, receiptJSON("r3", 10))
		case 3:
			assert.Equal(t, "c3", q.Get("cursor"))
			_, _ = fmt.Fprint(w, `{"receipts": [], "nextPageToken": "c4"}`)
		default:
			t.Errorf("unexpected page request %d", n)
		}
	}))
	defer srv.Close()

	cfg := Config{BaseURL: srv.URL + "/", Token: "secret", StoreID: "store-1"}
	fetcher := NewFetcher(NewClient(cfg, srv.Client()), cfg, quietLogger(), nil)

	receipts, summary, err := fetcher.FetchAll(context.Background(), testWindow(t), "")
	require.NoError(t, err)
	require.Len(t, receipts, 3)
	assert.Equal(t, []string{"r1", "r2", "r3"}, []string{receipts[0].ID, receipts[1].ID, receipts[2].ID})
	assert.Equal(t, 3, summary.Pages)
	assert.Equal(t, 3, summary.Fetched)
	assert.False(t, summary.Truncated)
}

type endlessSource struct {
	calls int
}

func (s *endlessSource) Page(ctx context.Context, q Query) (Page, error) {
	s.calls++
	return Page{
		Receipts:   []Receipt{{ID: fmt.Sprintf("r%d", s.calls), TotalMinor: 100, HasTotal: true}},
		NextCursor: fmt.Sprintf("c%d", s.calls+1),
	}, nil
}

func TestFetcherPageCapTruncatesWithoutError(t *testing.T) {
	source := &endlessSource{}
	cfg := Config{MaxPages: 3}
	fetcher := NewFetcher(source, cfg, quietLogger(), nil)

	receipts, summary, err := fetcher.FetchAll(context.Background(), testWindow(t), "")
	require.NoError(t, err)
	assert.Len(t, receipts, 3)
	assert.Equal(t, 3, source.calls)
	assert.True(t, summary.Truncated)
}

func TestFetcherDropsReceiptsOutsideWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `{"receipts": [
			{"receipt_number": "in", "created_at": "2024-03-10T12:00:00Z"},
			{"receipt_number": "late", "created_at": "2024-03-10T20:00:00Z"},
			{"receipt_number": "bad", "created_at": "garbage"}
		]}`)
	}))
	defer srv.Close()

	cfg := Config{BaseURL: srv.URL}
	fetcher := NewFetcher(NewClient(cfg, srv.Client()), cfg, quietLogger(), nil)
	receipts, summary, err := fetcher.FetchAll(context.Background(), testWindow(t), "")
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, "in", receipts[0].ID)
	require.Len(t, summary.Skipped, 2)
}

func TestFetcherSurfacesAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := Config{BaseURL: srv.URL}
	fetcher := NewFetcher(NewClient(cfg, srv.Client()), cfg, quietLogger(), nil)
	_, _, err := fetcher.FetchAll(context.Background(), testWindow(t), "")
	require.ErrorIs(t, err, ErrSourceAuth)
}

func TestFetcherFailsWholeFetchOnLaterPageError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			_, _ = fmt.Fprintf(w, `{"receipts": [%s], "page_token": "next"}`, receiptJSON("r1", 1))
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := Config{BaseURL: srv.URL}
	fetcher := NewFetcher(NewClient(cfg, srv.Client()), cfg, quietLogger(), nil)
	receipts, _, err := fetcher.FetchAll(context.Background(), testWindow(t), "")
	require.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Nil(t, receipts, "partial data must not be returned as success")
}

func TestClientPageTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	cfg := Config{BaseURL: srv.URL, PageTimeout: 50 * time.Millisecond}
	client := NewClient(cfg, srv.Client())
	_, err := client.Page(context.Background(), Query{})
	require.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestClientUndecodablePage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, `<html>maintenance</html>`)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL}, srv.Client())
	_, err := client.Page(context.Background(), Query{})
	require.True(t, errors.Is(err, ErrSourceUnavailable))
}
