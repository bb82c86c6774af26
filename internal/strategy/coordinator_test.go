package strategy_test

import (
	"OptionClear/internal/strategy"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// target 80%, clamp [60%, 90%], skip moves under 2%.
func newCoordinator(t *testing.T) *strategy.Coordinator {
	t.Helper()
	c, err := strategy.NewCoordinator(8_000, 6_000, 9_000, 200)
	require.NoError(t, err)
	return c
}

func TestNewCoordinator_BoundsValidation(t *testing.T) {
	_, err := strategy.NewCoordinator(5_000, 6_000, 9_000, 200)
	assert.Error(t, err, "target below min")

	_, err = strategy.NewCoordinator(9_500, 6_000, 9_000, 200)
	assert.Error(t, err, "target above max")

	_, err = strategy.NewCoordinator(8_000, 6_000, 11_000, 200)
	assert.Error(t, err, "max above 100%")
}

func TestUtilizationBps(t *testing.T) {
	c := newCoordinator(t)
	assert.Equal(t, int64(0), c.UtilizationBps(0, 0))
	assert.Equal(t, int64(0), c.UtilizationBps(1_000, 0))
	assert.Equal(t, int64(10_000), c.UtilizationBps(0, 1_000))
	assert.Equal(t, int64(8_000), c.UtilizationBps(200, 800))
}

func TestUtilize_MovesTowardTarget(t *testing.T) {
	c := newCoordinator(t)

	// 0% utilized, target 80% of 1000
	move, err := c.Utilize(1_000, 0)
	require.NoError(t, err)
	assert.True(t, move.ToVenue)
	assert.Equal(t, int64(800), move.Amount)
	assert.Equal(t, strategy.StatusUtilizing, c.Status())
}

func TestUtilize_SkipsInsideDeviation(t *testing.T) {
	c := newCoordinator(t)

	// 79% utilized, 1% off target, below the 2% threshold
	move, err := c.Utilize(210, 790)
	require.NoError(t, err)
	assert.Equal(t, int64(0), move.Amount)
	assert.Equal(t, strategy.StatusIdle, c.Status())
}

func TestUtilize_NeverPullsBack(t *testing.T) {
	c := newCoordinator(t)

	// Over target: utilize refuses, deutilize is the path back
	move, err := c.Utilize(100, 900)
	require.NoError(t, err)
	assert.Equal(t, strategy.Move{}, move)
}

func TestUtilize_ScalesWithTotalCapital(t *testing.T) {
	c := newCoordinator(t)

	// Target is a share of total capital, not a fixed amount
	move, err := c.Utilize(500, 0)
	require.NoError(t, err)
	assert.True(t, move.ToVenue)
	assert.Equal(t, int64(400), move.Amount)
}

func TestDeutilize_ExplicitAmount(t *testing.T) {
	c := newCoordinator(t)

	move, err := c.Deutilize(0, 1_000, 300)
	require.NoError(t, err)
	assert.False(t, move.ToVenue)
	assert.Equal(t, int64(300), move.Amount)
	assert.Equal(t, strategy.StatusDeutilizing, c.Status())

	_, err = c.Deutilize(0, 1_000, 1_001)
	assert.Error(t, err, "amount beyond venue balance")

	_, err = c.Deutilize(0, 1_000, -1)
	assert.Error(t, err)
}

func TestDeutilize_TowardTarget(t *testing.T) {
	c := newCoordinator(t)

	// 100% utilized, target 80% of 1000: pull 200 back
	move, err := c.Deutilize(0, 1_000, 0)
	require.NoError(t, err)
	assert.False(t, move.ToVenue)
	assert.Equal(t, int64(200), move.Amount)

	// Under target: deutilize refuses to push out
	c2 := newCoordinator(t)
	move, err = c2.Deutilize(1_000, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, strategy.Move{}, move)
	assert.Equal(t, strategy.StatusIdle, c2.Status())
}

func TestRebalance_BothDirections(t *testing.T) {
	c := newCoordinator(t)

	move, err := c.Rebalance(1_000, 0)
	require.NoError(t, err)
	assert.True(t, move.ToVenue)
	assert.Equal(t, int64(800), move.Amount)
	assert.Equal(t, strategy.StatusRebalancing, c.Status())

	c.Reconcile(200, 800)

	move, err = c.Rebalance(0, 1_000)
	require.NoError(t, err)
	assert.False(t, move.ToVenue)
	assert.Equal(t, int64(200), move.Amount)
}

func TestEmergency_PullsAllAndBlocks(t *testing.T) {
	c := newCoordinator(t)

	move := c.Emergency(750)
	assert.False(t, move.ToVenue)
	assert.Equal(t, int64(750), move.Amount)
	assert.Equal(t, strategy.StatusEmergency, c.Status())

	_, err := c.Utilize(1_000, 0)
	assert.Error(t, err)
	_, err = c.Rebalance(1_000, 0)
	assert.Error(t, err)

	// Explicit pulls stay allowed during emergency
	move, err = c.Deutilize(0, 750, 750)
	require.NoError(t, err)
	assert.Equal(t, int64(750), move.Amount)
	assert.Equal(t, strategy.StatusEmergency, c.Status(), "deutilize must not clear emergency")
}

func TestClearEmergency(t *testing.T) {
	c := newCoordinator(t)

	assert.Error(t, c.ClearEmergency(0), "not in emergency mode")

	c.Emergency(500)
	assert.Error(t, c.ClearEmergency(500), "venue capital still out")

	require.NoError(t, c.ClearEmergency(0))
	assert.Equal(t, strategy.StatusIdle, c.Status())

	// Utilization works again
	move, err := c.Utilize(1_000, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(800), move.Amount)
}

func TestReconcile_SettlesStatusAndReportsDrift(t *testing.T) {
	c := newCoordinator(t)

	_, err := c.Utilize(1_000, 0)
	require.NoError(t, err)
	require.Equal(t, strategy.StatusUtilizing, c.Status())

	drifted := c.Reconcile(200, 800)
	assert.False(t, drifted)
	assert.Equal(t, strategy.StatusIdle, c.Status())

	assert.True(t, c.Reconcile(500, 500), "50% is below the 60% floor")
	assert.True(t, c.Reconcile(50, 950), "95% is above the 90% ceiling")

	// Emergency survives reconcile
	c.Emergency(0)
	c.Reconcile(1_000, 0)
	assert.Equal(t, strategy.StatusEmergency, c.Status())
}

func TestCoordinator_SnapshotRestore(t *testing.T) {
	c := newCoordinator(t)
	c.Emergency(100)

	snap := c.Snapshot()

	restored, err := strategy.NewCoordinator(1_000, 0, 2_000, 50)
	require.NoError(t, err)
	restored.Restore(snap)

	assert.Equal(t, strategy.StatusEmergency, restored.Status())
	assert.Error(t, restored.ClearEmergency(100))
	require.NoError(t, restored.ClearEmergency(0))

	// Restored bounds came from the snapshot, not the constructor
	move, err := restored.Utilize(1_000, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(800), move.Amount)
}
