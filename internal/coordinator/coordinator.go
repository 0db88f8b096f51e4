// Package coordinator implements the rendezvous server hosted by
// participant 0. It accepts one connection per participant, runs the
// barrier for each sync point, compares fingerprints, and broadcasts the
// result.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/crossval/crossval/internal/config"
	"github.com/crossval/crossval/internal/events"
	"github.com/crossval/crossval/internal/protocol"
)

// inbound is one decoded message with its originating connection.
type inbound struct {
	conn net.Conn
	msg  *protocol.Message
}

// Coordinator is the rendezvous server. All slot and registration-table
// state is owned by the single run goroutine; reader goroutines are
// transport pumps that feed it over a channel.
type Coordinator struct {
	cfg      *config.Config
	log      *slog.Logger
	bus      *events.Bus
	metrics  *Metrics
	registry *prometheus.Registry

	// OnMismatch, when set, is invoked after a mismatch result has been
	// broadcast. The hosting participant installs its abort path here.
	OnMismatch func()

	ln    net.Listener
	inbox chan inbound

	mu      sync.Mutex
	tracked map[net.Conn]struct{} // every accepted conn, for teardown

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a coordinator for the given topology. bus may be nil.
func New(cfg *config.Config, log *slog.Logger, bus *events.Bus) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	registry := prometheus.NewRegistry()
	return &Coordinator{
		cfg:      cfg,
		log:      log.With("component", "coordinator"),
		bus:      bus,
		metrics:  NewMetrics(registry),
		registry: registry,
		inbox:    make(chan inbound, config.MaxInstances*2),
		tracked:  make(map[net.Conn]struct{}),
	}
}

// Registry exposes the coordinator's metric registry for HTTP export.
func (c *Coordinator) Registry() *prometheus.Registry {
	return c.registry
}

// Addr returns the listener address. Valid only after Start.
func (c *Coordinator) Addr() net.Addr {
	return c.ln.Addr()
}

// Start binds the listener and launches the accept and rendezvous loops.
// The listener exists before Start returns, so participants may begin
// their connect retries immediately after.
func (c *Coordinator) Start(ctx context.Context) error {
	network, addr := c.cfg.Endpoint()

	if network == "unix" {
		// A stale socket file from an unclean shutdown blocks the bind.
		if err := os.Remove(addr); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale socket %s: %w", addr, err)
		}
	}

	ln, err := net.Listen(network, addr)
	if err != nil {
		return fmt.Errorf("listen %s %s: %w", network, addr, err)
	}
	c.ln = ln

	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(2)
	go c.acceptLoop(ctx)
	go c.run(ctx)

	c.log.Info("coordinator listening", "network", network, "addr", ln.Addr().String(), "instances", c.cfg.NumInstances)
	return nil
}

// Stop tears down the listener, every connection, and both loops, then
// unlinks the unix socket file if one was bound. Idempotent.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		if c.ln != nil {
			c.ln.Close()
		}

		c.mu.Lock()
		for conn := range c.tracked {
			conn.Close()
		}
		c.mu.Unlock()

		c.wg.Wait()

		if network, addr := c.cfg.Endpoint(); network == "unix" {
			os.Remove(addr)
		}
		c.log.Info("coordinator stopped")
	})
}

func (c *Coordinator) acceptLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		conn, err := c.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			c.log.Warn("accept failed", "error", err)
			continue
		}

		c.mu.Lock()
		c.tracked[conn] = struct{}{}
		c.mu.Unlock()

		c.wg.Add(1)
		go c.readLoop(ctx, conn)
	}
}

// readLoop pumps decoded messages from one connection into the inbox.
func (c *Coordinator) readLoop(ctx context.Context, conn net.Conn) {
	defer c.wg.Done()

	for {
		msg, err := protocol.ReadMessage(conn)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.log.Debug("connection read ended", "error", err)
			}
			return
		}

		select {
		case c.inbox <- inbound{conn: conn, msg: msg}:
		case <-ctx.Done():
			return
		}
	}
}

// run is the single owner of the registration table and rendezvous slot.
func (c *Coordinator) run(ctx context.Context) {
	defer c.wg.Done()

	table := make(map[int32]net.Conn, c.cfg.NumInstances)
	sl := newSlot(c.cfg.NumInstances)
	windowClosed := false

	regTimer := time.NewTimer(time.Duration(c.cfg.RegistrationTimeoutSec) * time.Second)
	defer regTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-regTimer.C:
			if !windowClosed {
				c.log.Warn("registration window still open past deadline",
					"registered", len(table), "expected", c.cfg.NumInstances)
			}

		case in := <-c.inbox:
			switch in.msg.Type {
			case protocol.TypeRegister:
				windowClosed = c.handleRegister(table, in) || windowClosed

			case protocol.TypeSyncPoint:
				c.handleSyncPoint(table, sl, in)

			case protocol.TypeShutdown:
				// Do not disconnect eagerly: other participants may still
				// need this round's broadcast.
				c.log.Info("participant announced shutdown", "instance", in.msg.InstanceID)
				c.publish(events.KindShutdown, in.msg.InstanceID, 0, "")

			default:
				c.log.Warn("dropping unexpected message", "type", in.msg.Type.String(), "instance", in.msg.InstanceID)
			}
		}
	}
}

// handleRegister records a participant connection. It reports whether the
// registration window is now closed.
func (c *Coordinator) handleRegister(table map[int32]net.Conn, in inbound) bool {
	id := in.msg.InstanceID
	if id < 0 || int(id) >= c.cfg.NumInstances {
		c.log.Warn("rejecting registration with out-of-range instance id", "instance", id)
		in.conn.Close()
		return false
	}

	if old, ok := table[id]; ok && old != in.conn {
		c.log.Warn("instance re-registered, replacing connection", "instance", id)
		old.Close()
	}
	table[id] = in.conn
	c.metrics.Registered.Set(float64(len(table)))
	c.log.Info("participant registered", "instance", id, "registered", len(table), "expected", c.cfg.NumInstances)
	c.publish(events.KindRegistered, id, 0, "")

	if len(table) == c.cfg.NumInstances {
		c.log.Info("registration window closed", "instances", len(table))
		return true
	}
	return false
}

func (c *Coordinator) handleSyncPoint(table map[int32]net.Conn, sl *slot, in inbound) {
	id := in.msg.InstanceID
	if _, ok := table[id]; !ok {
		c.log.Warn("dropping sync point from unregistered instance", "instance", id)
		return
	}

	fp := in.msg.FingerprintString()
	if !sl.observe(id, in.msg.SyncPoint, fp, c.cfg.NumInstances) {
		return
	}

	v := sl.evaluate()
	c.metrics.RoundDuration.Observe(time.Since(sl.startedAt).Seconds())

	if v.passed {
		c.metrics.RoundsTotal.WithLabelValues("match").Inc()
		c.log.Info("MATCH", "sync_point", sl.syncPoint, "fingerprint", sl.arrivals[0].fingerprint)
		c.publish(events.KindMatch, protocol.CoordinatorID, sl.syncPoint, "")
	} else {
		c.metrics.RoundsTotal.WithLabelValues("mismatch").Inc()
		c.log.Error("MISMATCH", "sync_point", sl.syncPoint, "detail", v.details, "round", sl.dump())
		c.publish(events.KindMismatch, protocol.CoordinatorID, sl.syncPoint, v.details)
	}

	c.broadcast(table, sl, v)

	if !v.passed && c.OnMismatch != nil {
		c.OnMismatch()
	}
}

// broadcast sends the round result to every registered participant. In the
// two-participant case a failed result carries the recipient's peer
// fingerprint so each client can reproduce the comparison locally; larger
// topologies receive the first-failing-pair report.
func (c *Coordinator) broadcast(table map[int32]net.Conn, sl *slot, v verdict) {
	for id, conn := range table {
		msg := &protocol.Message{
			Type:       protocol.TypeValidationResult,
			InstanceID: protocol.CoordinatorID,
			SyncPoint:  sl.syncPoint,
		}
		if v.passed {
			msg.Passed = 1
		} else if c.cfg.NumInstances == 2 {
			msg.SetMismatchDetails(sl.peerFingerprint(id))
		} else {
			msg.SetMismatchDetails(v.details)
		}

		if err := protocol.WriteMessage(conn, msg); err != nil {
			c.metrics.BroadcastErrors.Inc()
			c.log.Warn("result broadcast failed", "instance", id, "error", err)
		}
	}
}

func (c *Coordinator) publish(kind events.Kind, instanceID int32, syncPoint uint32, details string) {
	if c.bus != nil {
		c.bus.Publish(kind, instanceID, syncPoint, details)
	}
}
