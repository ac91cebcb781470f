package mmc_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/nasa-jpl/pimotion/mmc"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T, devices ...int) *mmc.Controller {
	t.Helper()
	c, err := mmc.NewMock("M521DG", devices...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func waitStill(t *testing.T, c *mmc.Controller, dev int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		moving, err := c.Moving(dev)
		require.NoError(t, err)
		if !moving {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("device did not stop moving")
}

func TestStageConversion(t *testing.T) {
	s, err := mmc.LookupStage("M521DG")
	require.NoError(t, err)
	require.Equal(t, "mm", s.Units)
	require.Equal(t, 30353, s.UnitsToCounts(1))
	require.Equal(t, -30353, s.UnitsToCounts(-1))
	require.InDelta(t, 81., s.CountsToUnits(2458624), 1e-9)

	_, err = mmc.LookupStage("M-000")
	require.ErrorIs(t, err, mmc.ErrUnknownStage)
}

func TestBaudValidation(t *testing.T) {
	require.NoError(t, mmc.ValidBaud(9600))
	require.NoError(t, mmc.ValidBaud(19200))
	require.ErrorIs(t, mmc.ValidBaud(115200), mmc.ErrInvalidBaud)

	_, err := mmc.NewController("/dev/ttyS0", true, "M521DG", 38400)
	require.ErrorIs(t, err, mmc.ErrInvalidBaud)
	_, err = mmc.NewController("/dev/ttyS0", true, "nope", 0)
	require.ErrorIs(t, err, mmc.ErrUnknownStage)
}

func TestInitNetworkScansDownward(t *testing.T) {
	c := newMock(t)
	devs, err := c.InitNetwork(3)
	require.NoError(t, err)
	if diff := cmp.Diff([]int{3, 2, 1}, devs); diff != "" {
		t.Errorf("devices mismatch (-want +got):\n%s", diff)
	}
	require.NoError(t, c.Select(devs[0]))
	require.Equal(t, 3, c.Selected())
	require.ErrorIs(t, c.Select(4), mmc.ErrNotRegistered)
	require.ErrorIs(t, c.Select(17), mmc.ErrBadDevice)
}

func TestInitNetworkSkipsSilentAddresses(t *testing.T) {
	prev := mmc.ScanTimeout
	mmc.ScanTimeout = 50 * time.Millisecond
	defer func() { mmc.ScanTimeout = prev }()

	c := newMock(t, 2)
	devs, err := c.InitNetwork(3)
	require.NoError(t, err)
	require.Equal(t, []int{2}, devs)
}

func TestNoDeviceSelected(t *testing.T) {
	c := newMock(t)
	require.ErrorIs(t, c.MoveA(0, 100), mmc.ErrNoDevice)
}

func TestMoveAndReadBack(t *testing.T) {
	c := newMock(t)
	require.NoError(t, c.MoveAbs("1", 0.5))
	waitStill(t, c, 1)
	pos, err := c.GetPos("1")
	require.NoError(t, err)
	require.InDelta(t, 0.5, pos, 1e-4)

	require.NoError(t, c.MoveRel("1", -0.25))
	waitStill(t, c, 1)
	pos, err = c.GetPos("1")
	require.NoError(t, err)
	require.InDelta(t, 0.25, pos, 1e-4)

	counts, err := c.GetTargetCounts(1)
	require.NoError(t, err)
	require.Equal(t, 15176-7588, counts)

	_, err = c.GetPos("x")
	require.ErrorIs(t, err, mmc.ErrBadDevice)
}

func TestHomeDefinesZero(t *testing.T) {
	prevPoll, prevSettle := mmc.HomePoll, mmc.HomeSettle
	mmc.HomePoll, mmc.HomeSettle = 10*time.Millisecond, 10*time.Millisecond
	defer func() { mmc.HomePoll, mmc.HomeSettle = prevPoll, prevSettle }()

	c := newMock(t)
	require.NoError(t, c.MoveA(2, 40000))
	waitStill(t, c, 2)
	require.NoError(t, c.Home("2"))
	counts, err := c.GetPosCounts(2)
	require.NoError(t, err)
	require.Equal(t, 0, counts)
}

func TestHomeCancelled(t *testing.T) {
	c := newMock(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, c.HomeContext(ctx, 1), context.Canceled)
}

func TestGlobalBreakStopsEveryDevice(t *testing.T) {
	c := newMock(t)
	_, err := c.InitNetwork(3)
	require.NoError(t, err)
	// tens of seconds of travel
	require.NoError(t, c.MoveA(1, 10000000))
	require.NoError(t, c.MoveA(3, -10000000))
	moving, err := c.Moving(1)
	require.NoError(t, err)
	require.True(t, moving)

	require.NoError(t, c.GlobalBreak())
	for _, dev := range []int{1, 3} {
		moving, err = c.Moving(dev)
		require.NoError(t, err)
		require.False(t, moving, "device %d", dev)
	}
}

func TestRaw(t *testing.T) {
	c := newMock(t)
	require.NoError(t, c.Select(1))
	resp, err := c.Raw("VE")
	require.NoError(t, err)
	require.Contains(t, resp, "Mercury")

	_, err = c.Raw("  ")
	require.Error(t, err)
}

func TestSetStage(t *testing.T) {
	c := newMock(t)
	require.ErrorIs(t, c.SetStage("bogus"), mmc.ErrUnknownStage)
	name, _ := c.Stage()
	require.Equal(t, "M521DG", name)
}
