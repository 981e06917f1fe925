package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitewright/internal/config"
	"sitewright/internal/domain"
)

func TestNotifyFiltersByStatus(t *testing.T) {
	var (
		mu   sync.Mutex
		hits []map[string]any
		hdrs []http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		hits = append(hits, body)
		hdrs = append(hdrs, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDispatcher([]config.Webhook{
		{URL: srv.URL, Secret: "s3cret", Events: []string{"complete"}},
		{URL: srv.URL, Events: []string{"failed"}},
	}, nil)

	err := d.Notify(context.Background(), domain.RunPayload{TraceID: "r1", ProjectID: "demo", Status: domain.RunComplete, UsedSteps: 2, Files: []string{"preview/index.html"}}, nil)
	require.NoError(t, err)

	require.Len(t, hits, 1)
	assert.Equal(t, "run.complete", hits[0]["type"])
	assert.Equal(t, "demo", hits[0]["project_id"])
	assert.Equal(t, "s3cret", hdrs[0].Get("X-Sitewright-Secret"))
	assert.Equal(t, "r1", hdrs[0].Get("X-Sitewright-Delivery"))
}

func TestNotifyReportsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewDispatcher([]config.Webhook{{URL: srv.URL}}, nil)
	err := d.Notify(context.Background(), domain.RunPayload{TraceID: "r1", ProjectID: "demo", Status: domain.RunInterrupted}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestNilDispatcherIsNoop(t *testing.T) {
	var d *Dispatcher
	assert.NoError(t, d.Notify(context.Background(), domain.RunPayload{}, nil))
}
