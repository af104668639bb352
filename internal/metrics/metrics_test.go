package metrics_test

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudpaste/gateway/internal/metrics"
)

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	r := metrics.New()
	r.JobsSubmitted.WithLabelValues("fs_index_rebuild").Inc()
	r.CacheHits.Inc()
	r.SharesCreated.Inc()

	req := httptest.NewRequest("GET", "/debug/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "cloudpaste_jobs_submitted_total")
	require.Contains(t, body, "cloudpaste_directory_cache_hits_total")
	require.Contains(t, body, "cloudpaste_shares_created_total")
}

func TestSetFSIndexStateZeroesOtherStates(t *testing.T) {
	r := metrics.New()
	r.SetFSIndexState("m1", []string{"not_ready", "indexing", "ready", "error"}, "ready")

	req := httptest.NewRequest("GET", "/debug/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	require.Contains(t, rec.Body.String(), `cloudpaste_fs_index_state{mount_id="m1",state="ready"} 1`)
	require.Contains(t, rec.Body.String(), `cloudpaste_fs_index_state{mount_id="m1",state="not_ready"} 0`)
}
