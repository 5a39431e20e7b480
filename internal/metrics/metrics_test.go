package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersIncrement(t *testing.T) {
	EnvelopesProcessed.WithLabelValues("clean").Inc()
	DedupHits.Inc()
	AckBatchesSent.Inc()
	GuardrailScans.WithLabelValues("local", "clean").Inc()
	RelayReconnects.WithLabelValues("success").Inc()
	SinkDeliveries.WithLabelValues("human", "delivered").Inc()

	assert.Equal(t, float64(1), testCounterValue(t, "agentchat_pipeline_dedup_hits_total"))
}

func TestHandlerServesMetrics(t *testing.T) {
	DedupHits.Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "agentchat_pipeline_dedup_hits_total")
}

func testCounterValue(t *testing.T, name string) float64 {
	t.Helper()
	families, err := Registry.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		var total float64
		for _, m := range fam.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		return total
	}
	t.Fatalf("metric %s not found", name)
	return 0
}
