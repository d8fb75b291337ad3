package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(signatureCandidates.WithLabelValues("b"))
	RecordSignatureCandidate("b")
	assert.Equal(t, before+1, testutil.ToFloat64(signatureCandidates.WithLabelValues("b")))

	before = testutil.ToFloat64(autoDepositCycles.WithLabelValues("confirmed"))
	RecordAutoDepositCycle("confirmed")
	assert.Equal(t, before+1, testutil.ToFloat64(autoDepositCycles.WithLabelValues("confirmed")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	RecordUnverifiedSignature()
	RecordSubmission("SUCCESS")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "yieldvault_signature_unverified_total")
	assert.Contains(t, string(body), `yieldvault_transactions_submitted_total{status="SUCCESS"}`)
}
