package coordinator

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crossval/crossval/internal/client"
	"github.com/crossval/crossval/internal/config"
	"github.com/crossval/crossval/internal/events"
	"github.com/crossval/crossval/internal/protocol"
)

// testConfig builds a unix-socket topology in a fresh temp dir with short
// timeouts for test speed.
func testConfig(t *testing.T, n int) *config.Config {
	t.Helper()
	return &config.Config{
		InstanceID:             0,
		NumInstances:           n,
		Network:                "unix",
		SocketPath:             filepath.Join(t.TempDir(), "cv.sock"),
		ConnectAttempts:        50,
		ConnectIntervalMs:      10,
		ResultTimeoutSec:       5,
		PollIntervalMs:         20,
		RegistrationTimeoutSec: 5,
		ResumeDelayMs:          10,
	}
}

func startCoordinator(t *testing.T, cfg *config.Config) *Coordinator {
	t.Helper()
	coord := New(cfg, nil, nil)
	require.NoError(t, coord.Start(context.Background()))
	t.Cleanup(coord.Stop)
	return coord
}

// dialInstance registers a client for the given instance id on the same
// topology.
func dialInstance(t *testing.T, cfg *config.Config, id int) *client.Client {
	t.Helper()
	instCfg := *cfg
	instCfg.InstanceID = id
	cl, err := client.Dial(&instCfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cl.Shutdown() })
	return cl
}

func validateAsync(cl *client.Client, label, fp string) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- cl.Validate(label, fp) }()
	return ch
}

func waitErr(t *testing.T, ch <-chan error, timeout time.Duration) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(timeout):
		t.Fatal("validate did not resolve in time")
		return nil
	}
}

func TestHappyPathTwoParticipants(t *testing.T) {
	cfg := testConfig(t, 2)
	startCoordinator(t, cfg)

	c0 := dialInstance(t, cfg, 0)
	c1 := dialInstance(t, cfg, 1)

	r0 := validateAsync(c0, "A", "energy=100.0 step=1")
	r1 := validateAsync(c1, "A", "energy=100.0 step=1")

	assert.NoError(t, waitErr(t, r0, 10*time.Second))
	assert.NoError(t, waitErr(t, r1, 10*time.Second))
}

func TestTolerantMatch(t *testing.T) {
	cfg := testConfig(t, 2)
	startCoordinator(t, cfg)

	c0 := dialInstance(t, cfg, 0)
	c1 := dialInstance(t, cfg, 1)

	r0 := validateAsync(c0, "A", "energy=1.0000000001")
	r1 := validateAsync(c1, "A", "energy=1.0")

	assert.NoError(t, waitErr(t, r0, 10*time.Second))
	assert.NoError(t, waitErr(t, r1, 10*time.Second))
}

func TestNumericMismatchBothSidesFail(t *testing.T) {
	cfg := testConfig(t, 2)
	bus := events.NewBus()
	defer bus.Close()
	evCh := bus.Subscribe()

	coord := New(cfg, nil, bus)
	mismatches := make(chan struct{}, 1)
	coord.OnMismatch = func() { mismatches <- struct{}{} }
	require.NoError(t, coord.Start(context.Background()))
	t.Cleanup(coord.Stop)

	c0 := dialInstance(t, cfg, 0)
	c1 := dialInstance(t, cfg, 1)

	r0 := validateAsync(c0, "A", "energy=1.0")
	r1 := validateAsync(c1, "A", "energy=1.001")

	err0 := waitErr(t, r0, 10*time.Second)
	err1 := waitErr(t, r1, 10*time.Second)

	var m0, m1 *client.MismatchError
	require.ErrorAs(t, err0, &m0)
	require.ErrorAs(t, err1, &m1)

	// With two participants each side receives the peer's fingerprint.
	assert.Equal(t, "energy=1.0", m0.Local)
	assert.Equal(t, "energy=1.001", m0.Peer)
	assert.Equal(t, "energy=1.001", m1.Local)
	assert.Equal(t, "energy=1.0", m1.Peer)

	select {
	case <-mismatches:
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator mismatch hook not invoked")
	}

	// A mismatch event was published.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-evCh:
			if ev.Kind == events.KindMismatch {
				assert.Contains(t, ev.Details, "Sync point 1")
				return
			}
		case <-deadline:
			t.Fatal("no mismatch event published")
		}
	}
}

func TestThreeWayMismatchReportsFirstFailingPair(t *testing.T) {
	cfg := testConfig(t, 3)
	startCoordinator(t, cfg)

	c0 := dialInstance(t, cfg, 0)
	c1 := dialInstance(t, cfg, 1)
	c2 := dialInstance(t, cfg, 2)

	r0 := validateAsync(c0, "A", "v=1.0")
	r1 := validateAsync(c1, "A", "v=1.0")
	r2 := validateAsync(c2, "A", "v=2.0")

	for _, ch := range []<-chan error{r0, r1, r2} {
		err := waitErr(t, ch, 10*time.Second)
		var m *client.MismatchError
		require.ErrorAs(t, err, &m)
		assert.Contains(t, m.Peer, "Sync point 1: Instance")
	}
}

func TestLateParticipant(t *testing.T) {
	cfg := testConfig(t, 2)
	startCoordinator(t, cfg)

	c0 := dialInstance(t, cfg, 0)
	c1 := dialInstance(t, cfg, 1)

	r0 := validateAsync(c0, "A", "v=1")

	// Participant 1 delays its submission; participant 0 blocks inside
	// Validate until the barrier fills.
	time.Sleep(2 * time.Second)
	r1 := validateAsync(c1, "A", "v=1")

	assert.NoError(t, waitErr(t, r0, 10*time.Second))
	assert.NoError(t, waitErr(t, r1, 10*time.Second))
}

func TestLostParticipantTimesOutWithoutAbort(t *testing.T) {
	cfg := testConfig(t, 2)
	cfg.ResultTimeoutSec = 1
	startCoordinator(t, cfg)

	c0 := dialInstance(t, cfg, 0)
	dialInstance(t, cfg, 1) // registers but never submits

	start := time.Now()
	err := waitErr(t, validateAsync(c0, "A", "v=1"), 10*time.Second)
	assert.NoError(t, err) // timeout is not a mismatch
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestSingleParticipantTriviallyMatches(t *testing.T) {
	cfg := testConfig(t, 1)
	startCoordinator(t, cfg)

	c0 := dialInstance(t, cfg, 0)
	assert.NoError(t, waitErr(t, validateAsync(c0, "A", "v=1"), 10*time.Second))
}

func TestSequentialSyncPoints(t *testing.T) {
	cfg := testConfig(t, 2)
	startCoordinator(t, cfg)

	c0 := dialInstance(t, cfg, 0)
	c1 := dialInstance(t, cfg, 1)

	for i := 0; i < 5; i++ {
		r0 := validateAsync(c0, "step", "iter=1 v=3.5")
		r1 := validateAsync(c1, "step", "iter=1 v=3.5")
		require.NoError(t, waitErr(t, r0, 10*time.Second))
		require.NoError(t, waitErr(t, r1, 10*time.Second))
	}
	assert.Equal(t, uint32(5), c0.SyncPoint())
	assert.Equal(t, uint32(5), c1.SyncPoint())
}

func TestOutOfRangeRegistrationRejected(t *testing.T) {
	cfg := testConfig(t, 2)
	startCoordinator(t, cfg)

	network, addr := cfg.DialEndpoint()
	conn, err := net.Dial(network, addr)
	require.NoError(t, err)
	defer conn.Close()

	reg := &protocol.Message{Type: protocol.TypeRegister, InstanceID: 7}
	require.NoError(t, protocol.WriteMessage(conn, reg))

	// The coordinator closes the connection instead of registering it.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = protocol.ReadMessage(conn)
	assert.Error(t, err)
}

func TestStopUnlinksUnixSocket(t *testing.T) {
	cfg := testConfig(t, 1)
	coord := New(cfg, nil, nil)
	require.NoError(t, coord.Start(context.Background()))

	_, err := os.Stat(cfg.SocketPath)
	require.NoError(t, err)

	coord.Stop()
	coord.Stop() // idempotent

	_, err = os.Stat(cfg.SocketPath)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestStaleSocketFileIsReplaced(t *testing.T) {
	cfg := testConfig(t, 1)
	require.NoError(t, os.WriteFile(cfg.SocketPath, nil, 0o600))

	coord := New(cfg, nil, nil)
	require.NoError(t, coord.Start(context.Background()))
	coord.Stop()
}

func TestTCPTransport(t *testing.T) {
	cfg := testConfig(t, 2)
	cfg.Network = "tcp"
	cfg.ServerAddr = "127.0.0.1"
	cfg.ServerPort = freePort(t)
	startCoordinator(t, cfg)

	c0 := dialInstance(t, cfg, 0)
	c1 := dialInstance(t, cfg, 1)

	r0 := validateAsync(c0, "A", "v=1")
	r1 := validateAsync(c1, "A", "v=1")
	assert.NoError(t, waitErr(t, r0, 10*time.Second))
	assert.NoError(t, waitErr(t, r1, 10*time.Second))
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestSlotResetOnNewSyncPoint(t *testing.T) {
	sl := newSlot(2)

	// Partial round at sync point 1 is superseded by sync point 2.
	require.False(t, sl.observe(0, 1, "v=1", 2))
	require.False(t, sl.observe(0, 2, "v=2", 2))
	assert.True(t, sl.observe(1, 2, "v=2", 2))
	assert.True(t, sl.evaluate().passed)
}

func TestSlotDump(t *testing.T) {
	sl := newSlot(2)
	sl.observe(0, 1, "v=1", 2)
	sl.observe(1, 1, "v=2", 2)
	assert.Equal(t, "instance 0='v=1'; instance 1='v=2'", sl.dump())
}
