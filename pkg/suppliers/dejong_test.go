package suppliers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dejongServer(t *testing.T, pages map[int]string, failPage int) (*httptest.Server, *int32) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/consumptions", r.URL.Path)
		assert.Equal(t, "2024-05-01T10:00:01.000Z", r.URL.Query().Get("filter[start_date]"))
		assert.Equal(t, "2024-05-01T10:10:00.000Z", r.URL.Query().Get("filter[end_date]"))
		assert.Equal(t, "timestamp", r.URL.Query().Get("sort"))
		assert.Equal(t, "5000", r.URL.Query().Get("limit"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))

		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page == failPage {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(pages[page]))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func pageJSON(next string, items ...map[string]interface{}) string {
	var nextValue interface{}
	if next != "" {
		nextValue = next
	}
	b, _ := json.Marshal(map[string]interface{}{"data": items, "next_page_url": nextValue})
	return string(b)
}

var (
	windowStart = time.Date(2024, 5, 1, 10, 0, 1, 0, time.UTC)
	windowEnd   = time.Date(2024, 5, 1, 10, 10, 0, 0, time.UTC)
)

func TestDejongFetchSincePaginates(t *testing.T) {
	srv, calls := dejongServer(t, map[int]string{
		1: pageJSON("/consumptions?page=2",
			map[string]interface{}{"id": 1, "machine_id": "m1", "timestamp": "2024-05-01T10:01:00Z"},
			map[string]interface{}{"id": 2, "machine_id": "m2", "timestamp": "2024-05-01T10:02:00Z"}),
		2: pageJSON("", map[string]interface{}{"id": 3, "machine_id": "m3"}),
	}, 0)

	a, err := NewDejongAdapter("dejong", SupplierConfig{BaseURL: srv.URL}, srv.Client())
	require.NoError(t, err)

	records, err := a.FetchSince(context.Background(), "consumptions", windowStart, windowEnd)
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, int32(2), atomic.LoadInt32(calls))
	assert.Equal(t, "1", records[0].EventID)
	assert.Equal(t, "Consumption", records[0].Type)
	assert.Equal(t, "m1", records[0].DeviceID)
	assert.Equal(t, "dejong", records[0].Supplier)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 1, 0, 0, time.UTC), records[0].OccurredAt)
}

func TestDejongFetchSinceKeepsLargeNumericIDs(t *testing.T) {
	srv, _ := dejongServer(t, map[int]string{
		1: `{"data":[{"id":9007199254740993,"machine_id":"m1"},{"id":9007199254740992,"machine_id":"m2"}],"next_page_url":null}`,
	}, 0)
	a, err := NewDejongAdapter("dejong", SupplierConfig{BaseURL: srv.URL}, srv.Client())
	require.NoError(t, err)

	records, err := a.FetchSince(context.Background(), "consumptions", windowStart, windowEnd)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "9007199254740993", records[0].EventID)
	assert.Equal(t, "9007199254740992", records[1].EventID)
}

func TestDejongFetchSinceStopsOnEmptyPage(t *testing.T) {
	srv, calls := dejongServer(t, map[int]string{1: pageJSON("/consumptions?page=2")}, 0)
	a, err := NewDejongAdapter("dejong", SupplierConfig{BaseURL: srv.URL}, srv.Client())
	require.NoError(t, err)

	records, err := a.FetchSince(context.Background(), "consumptions", windowStart, windowEnd)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestDejongFetchSinceAbortsOnFailedPage(t *testing.T) {
	srv, _ := dejongServer(t, map[int]string{
		1: pageJSON("/consumptions?page=2", map[string]interface{}{"id": "a"}),
	}, 2)
	a, err := NewDejongAdapter("dejong", SupplierConfig{BaseURL: srv.URL}, srv.Client())
	require.NoError(t, err)

	records, err := a.FetchSince(context.Background(), "consumptions", windowStart, windowEnd)
	require.Error(t, err)

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, http.StatusBadGateway, fetchErr.StatusCode)
	assert.Equal(t, 2, fetchErr.Page)
	assert.Len(t, records, 1)
}

func TestDejongFromConfigSendsBearer(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	adapter, err := NewDejongAdapterFromConfig("dejong", SupplierConfig{Mode: ModeAPIPoll, BaseURL: srv.URL, APIKey: "k1"})
	require.NoError(t, err)

	_, err = adapter.(Poller).FetchSince(context.Background(), "events", windowStart, windowEnd)
	require.NoError(t, err)
	assert.Equal(t, "Bearer k1", auth)
}

func TestDejongRejectsUnknownResource(t *testing.T) {
	_, err := NewDejongAdapter("dejong", SupplierConfig{BaseURL: "http://x", Resources: []string{"orders"}}, http.DefaultClient)
	assert.Error(t, err)
}
