package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxmind/internal/dispatch"
	"voxmind/internal/orchestrator"
	"voxmind/internal/safety"
)

func TestRecorder_Interactions(t *testing.T) {
	r := New()

	r.Interaction(dispatch.Result{Success: true, Handler: "math"}, false, 20*time.Millisecond)
	r.Interaction(dispatch.Result{Success: true, Handler: "fallback", UsedFallback: true}, false, 2*time.Second)
	r.Interaction(dispatch.Result{}, true, time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.interactions.WithLabelValues("math", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.interactions.WithLabelValues("fallback", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.interactions.WithLabelValues("none", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.fallback))
	assert.Equal(t, 3, testutil.CollectAndCount(r.duration))
}

func TestRecorder_Mode(t *testing.T) {
	r := New()
	assert.Equal(t, 1.0, testutil.ToFloat64(r.mode.WithLabelValues("idle")))

	r.ModeChanged(orchestrator.Active)
	assert.Equal(t, 0.0, testutil.ToFloat64(r.mode.WithLabelValues("idle")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.mode.WithLabelValues("listening")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.mode.WithLabelValues("active_conversation")))
}

func TestRecorder_SafetyHook(t *testing.T) {
	r := New()
	eng := safety.NewEngine(safety.DefaultRules(), safety.TierSafer)
	eng.OnDecision = r.Decision

	eng.Check(safety.NewAction(safety.CategoryFileList, "/home/user"))
	eng.Check(safety.NewAction(safety.CategoryFileWrite, "/home/user/x"))
	eng.Check(safety.NewAction(safety.CategoryFileWrite, "/home/user/y"))

	assert.Equal(t, 1.0, testutil.ToFloat64(r.decisions.WithLabelValues("file_list", "allow")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.decisions.WithLabelValues("file_write", "deny")))
}

func TestRecorder_Handler(t *testing.T) {
	r := New()
	r.MemoryCounts(map[string]int{"conversations": 12, "preferences": 2})
	r.Interaction(dispatch.Result{Success: true, Handler: "time_date"}, false, time.Millisecond)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `voxmind_memory_records{collection="conversations"} 12`)
	assert.Contains(t, text, `voxmind_interactions_total{handler="time_date",outcome="success"} 1`)
	assert.Contains(t, text, `voxmind_mode{mode="idle"} 1`)
}
