package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSetQueueDepthsReplacesSnapshot(t *testing.T) {
	SetQueueDepths(map[string]int{"main": 3, "legacy": 1})
	SetQueueDepths(map[string]int{"main": 2})

	if got := testutil.ToFloat64(QueueDepth.WithLabelValues("main")); got != 2 {
		t.Fatalf("глубина обязана браться из последнего среза, получили %v", got)
	}
	// Очередь, пропавшая из среза, не должна оставлять устаревшую серию.
	if got := testutil.ToFloat64(QueueDepth.WithLabelValues("legacy")); got != 0 {
		t.Fatalf("удалённая очередь не должна держать глубину, получили %v", got)
	}
}

func TestSetQueueDepthsEmptySnapshot(t *testing.T) {
	SetQueueDepths(map[string]int{"main": 5})
	SetQueueDepths(nil)

	if got := testutil.ToFloat64(QueueDepth.WithLabelValues("main")); got != 0 {
		t.Fatalf("пустой срез обязан обнулять гейдж, получили %v", got)
	}
}
