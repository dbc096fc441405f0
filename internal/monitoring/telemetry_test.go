package monitoring_test

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talentwire/extraction-core/internal/monitoring"
)

func jsonlLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestTrackerWritesEventsWithInfiniteTau(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	tracker, err := monitoring.NewTracker(monitoring.TelemetryConfig{Enabled: true, LogPath: path})
	require.NoError(t, err)
	defer tracker.Close()

	// Exact hits carry tau = +Inf, calibration-gated rebuilds -Inf; neither
	// may cost us the event.
	tracker.RecordDecision(&monitoring.DecisionEvent{
		RequestID: "r-1", Timestamp: time.Now(), Decision: "reuse", Tau: math.Inf(1),
	})
	tracker.RecordDecision(&monitoring.DecisionEvent{
		RequestID: "r-2", Timestamp: time.Now(), Decision: "rebuild", Tau: math.Inf(-1),
	})
	tracker.RecordDecision(&monitoring.DecisionEvent{
		RequestID: "r-3", Timestamp: time.Now(), Decision: "reuse", Tau: 0.125,
	})

	lines := jsonlLines(t, path)
	require.Len(t, lines, 3)
	assert.Equal(t, "inf", lines[0]["tau"])
	assert.Equal(t, "-inf", lines[1]["tau"])
	assert.Equal(t, 0.125, lines[2]["tau"])
	assert.Equal(t, "r-1", lines[0]["request_id"])
}

func TestContextCarriesRequestIdentity(t *testing.T) {
	ctx := monitoring.WithRequestIDContext(context.Background(), "req-1")
	ctx = monitoring.WithPartitionContext(ctx, "en,invoice")

	assert.Equal(t, "req-1", monitoring.RequestIDFromContext(ctx))
	assert.Equal(t, "en,invoice", monitoring.PartitionFromContext(ctx))

	assert.Empty(t, monitoring.RequestIDFromContext(context.Background()))
	assert.Empty(t, monitoring.PartitionFromContext(context.Background()))
}
