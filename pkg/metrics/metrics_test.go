package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector(t *testing.T) {
	c := NewPrometheusCollector()

	c.RecordInFlight(1)
	c.RecordInFlight(1)
	c.RecordRegistration(2*time.Second, nil)
	c.RecordInFlight(-1)
	c.RecordRegistration(3*time.Second, errors.New("exit status 1"))
	c.RecordInFlight(-1)
	c.RecordSkipped(4)

	require.Equal(t, 1.0, testutil.ToFloat64(c.tasks.WithLabelValues(OutcomeSucceeded)))
	require.Equal(t, 1.0, testutil.ToFloat64(c.tasks.WithLabelValues(OutcomeFailed)))
	require.Equal(t, 4.0, testutil.ToFloat64(c.tasks.WithLabelValues(OutcomeSkipped)))
	require.Equal(t, 0.0, testutil.ToFloat64(c.inFlight))
	require.Equal(t, 2, testutil.CollectAndCount(c.duration))
}

func TestWriteTextfile(t *testing.T) {
	c := NewPrometheusCollector()
	c.RecordRegistration(time.Second, nil)

	path := filepath.Join(t.TempDir(), "anchorreg.prom")
	require.NoError(t, c.WriteTextfile(path))

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(body), `anchorreg_tasks_total{outcome="succeeded"} 1`)
	require.Contains(t, string(body), "anchorreg_last_run_timestamp_seconds")

	require.Error(t, c.WriteTextfile(filepath.Join(t.TempDir(), "missing", "x.prom")))
}

func TestNoopCollector(t *testing.T) {
	var c Collector = NoopCollector{}
	c.RecordRegistration(time.Second, nil)
	c.RecordSkipped(1)
	c.RecordInFlight(1)
}
