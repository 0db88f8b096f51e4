// Package client implements the participant side of the validation
// protocol: registration, sync-point submission, and the bounded wait for
// the coordinator's verdict.
package client

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/crossval/crossval/internal/config"
	"github.com/crossval/crossval/internal/protocol"
)

// MismatchError reports a failed validation round. The caller decides the
// disposition (abort or log).
type MismatchError struct {
	Label     string
	SyncPoint uint32
	Local     string
	Peer      string // peer fingerprint (N=2) or pair report (N>2)
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("validation mismatch at sync point %d (%s): local='%s' other='%s'",
		e.SyncPoint, e.Label, e.Local, e.Peer)
}

// Client is one participant's connection to the coordinator. It is
// strictly request/response and not safe for concurrent use; the hosted
// computation drives Validate synchronously.
type Client struct {
	cfg  *config.Config
	log  *slog.Logger
	conn net.Conn

	syncPoint uint32

	mu     sync.Mutex
	closed bool
}

// Dial connects to the coordinator with bounded retries (the listener may
// not be up yet) and registers this instance.
func Dial(cfg *config.Config, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "client", "instance", cfg.InstanceID)

	network, addr := cfg.DialEndpoint()

	var conn net.Conn
	interval := time.Duration(cfg.ConnectIntervalMs) * time.Millisecond
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(cfg.ConnectAttempts))

	err := backoff.Retry(func() error {
		var dialErr error
		conn, dialErr = net.DialTimeout(network, addr, interval)
		return dialErr
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("connect to coordinator at %s %s: %w", network, addr, err)
	}

	c := &Client{cfg: cfg, log: log, conn: conn}

	reg := &protocol.Message{
		Type:       protocol.TypeRegister,
		InstanceID: int32(cfg.InstanceID),
	}
	if err := protocol.WriteMessage(conn, reg); err != nil {
		conn.Close()
		return nil, fmt.Errorf("register instance %d: %w", cfg.InstanceID, err)
	}

	log.Info("registered with coordinator", "network", network, "addr", addr)
	return c, nil
}

// SyncPoint returns the ordinal of the most recent submission.
func (c *Client) SyncPoint() uint32 {
	return c.syncPoint
}

// ResetSyncPoint zeroes the ordinal counter (checkpoint resume).
func (c *Client) ResetSyncPoint() {
	c.syncPoint = 0
}

// Validate submits a fingerprint for the next sync point and waits for the
// coordinator's verdict.
//
// The label is carried in logs only; the sync point's identity is its
// ordinal position. All participants must therefore call Validate the same
// number of times in the same program order.
//
// Returns nil on a match and on timeout (a silent peer is not a
// mismatch), a *MismatchError on a failed round, and other errors only
// for an overlong fingerprint or a transport failure during send.
func (c *Client) Validate(label, fingerprint string) error {
	c.syncPoint++

	msg := &protocol.Message{
		Type:       protocol.TypeSyncPoint,
		InstanceID: int32(c.cfg.InstanceID),
		SyncPoint:  c.syncPoint,
	}
	if err := msg.SetFingerprint(fingerprint); err != nil {
		return err
	}

	if err := protocol.WriteMessage(c.conn, msg); err != nil {
		return fmt.Errorf("submit sync point %d: %w", c.syncPoint, err)
	}

	return c.awaitResult(label, fingerprint)
}

// awaitResult polls for the VALIDATION_RESULT in short read slices so the
// total deadline is honored without blocking indefinitely on a silent
// coordinator.
func (c *Client) awaitResult(label, fingerprint string) error {
	total := time.Duration(c.cfg.ResultTimeoutSec) * time.Second
	slice := time.Duration(c.cfg.PollIntervalMs) * time.Millisecond
	deadline := time.Now().Add(total)

	defer c.conn.SetReadDeadline(time.Time{})

	for time.Now().Before(deadline) {
		c.conn.SetReadDeadline(time.Now().Add(slice))

		msg, err := protocol.ReadMessage(c.conn)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue // next slice
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.log.Warn("coordinator connection lost while awaiting result", "sync_point", c.syncPoint)
				return nil
			}
			c.log.Warn("error awaiting validation result", "sync_point", c.syncPoint, "error", err)
			return nil
		}

		if msg.Type != protocol.TypeValidationResult {
			c.log.Warn("dropping unexpected message while awaiting result", "type", msg.Type.String())
			continue
		}
		if msg.SyncPoint != c.syncPoint {
			c.log.Warn("dropping result for stale sync point", "got", msg.SyncPoint, "want", c.syncPoint)
			continue
		}

		if msg.Passed == 1 {
			c.log.Info("MATCH", "sync_point", c.syncPoint, "label", label)
			return nil
		}

		peer := msg.MismatchDetailsString()
		c.log.Error("MISMATCH", "sync_point", c.syncPoint, "label", label,
			"local", fingerprint, "other", peer)
		fmt.Fprintf(os.Stderr, "MISMATCH at sync point %d (%s): local='%s' other='%s'\n",
			c.syncPoint, label, fingerprint, peer)
		return &MismatchError{
			Label:     label,
			SyncPoint: c.syncPoint,
			Local:     fingerprint,
			Peer:      peer,
		}
	}

	c.log.Warn("timed out awaiting validation result", "sync_point", c.syncPoint, "label", label)
	return nil
}

// Shutdown announces departure to the coordinator (best effort) and closes
// the stream. Idempotent.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	msg := &protocol.Message{
		Type:       protocol.TypeShutdown,
		InstanceID: int32(c.cfg.InstanceID),
	}
	if err := protocol.WriteMessage(c.conn, msg); err != nil {
		c.log.Debug("shutdown notice not delivered", "error", err)
	}

	return c.conn.Close()
}
