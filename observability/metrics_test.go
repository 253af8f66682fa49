package observability

import (
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestDistributionMetrics(t *testing.T) {
	m := Distribution()
	require.Same(t, m, Distribution())

	m.ObserveBuild("USDC", time.Millisecond, nil)
	m.ObserveBuild("usdc", time.Millisecond, errors.New("boom"))
	require.Equal(t, float64(1), testutil.ToFloat64(m.builds.WithLabelValues("usdc", "ok")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.builds.WithLabelValues("usdc", "error")))

	m.RecordViolations("usdc", map[string]int{"reward_sum_mismatch": 2})
	require.Equal(t, float64(2), testutil.ToFloat64(m.violations.WithLabelValues("usdc", "reward_sum_mismatch")))

	m.RecordDistributor("usdc", 3, map[string]*big.Int{"0xee": big.NewInt(300)})
	require.Equal(t, float64(3), testutil.ToFloat64(m.recipients.WithLabelValues("usdc")))
	require.Equal(t, float64(300), testutil.ToFloat64(m.distributed.WithLabelValues("usdc", "0xee")))

	m.RecordCumulative(7, 2)
	require.Equal(t, float64(7), testutil.ToFloat64(m.cells))

	var nilMetrics *DistributionMetrics
	nilMetrics.RecordPublish(nil)
}

func TestWriteTextfile(t *testing.T) {
	Distribution().RecordCumulative(1, 1)
	path := filepath.Join(t.TempDir(), "merkledrop.prom")
	require.NoError(t, WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(data), "merkledrop_cumulative_snapshot_version"))
}
