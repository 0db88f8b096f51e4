// Package crossval verifies at runtime that replicated copies of a
// deterministic computation reach identical intermediate states. Each
// replica submits a compact textual fingerprint at every sync point; the
// coordinator (hosted by instance 0) waits for all participants, compares
// the fingerprints with a numeric tolerance, and broadcasts the verdict.
// A mismatch aborts every participant process.
package crossval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crossval/crossval/internal/client"
	"github.com/crossval/crossval/internal/config"
	"github.com/crossval/crossval/internal/coordinator"
	"github.com/crossval/crossval/internal/events"
)

// exitFunc terminates the process on an assertion failure. Tests replace it.
var exitFunc = os.Exit

// Validator owns one participant's validation state: the client
// connection, the in-process coordinator when this participant is
// instance 0, and the checkpoint flag.
type Validator struct {
	mu  sync.Mutex
	cfg *config.Config
	log *slog.Logger
	bus *events.Bus

	coord *coordinator.Coordinator
	cl    *client.Client

	enabled       bool
	checkpointing atomic.Bool

	// Saved across PreCheckpoint/Resume.
	savedInstanceID int
	savedN          int
}

// New creates a Validator for the given configuration without connecting.
// Call Start to establish the topology.
func New(cfg *config.Config, log *slog.Logger) *Validator {
	if log == nil {
		log = slog.Default()
	}
	return &Validator{
		cfg: cfg,
		log: log.With("instance", cfg.InstanceID),
		bus: events.NewBus(),
	}
}

// Start establishes the validation topology: instance 0 brings up the
// coordinator first, then every instance (0 included) dials and registers.
// On success validation is enabled.
func (v *Validator) Start(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.startLocked(ctx)
}

func (v *Validator) startLocked(ctx context.Context) error {
	if v.enabled {
		return nil
	}

	if v.cfg.IsCoordinator() {
		coord := coordinator.New(v.cfg, v.log, v.bus)
		coord.OnMismatch = func() {
			v.assertFailed("coordinator observed fingerprint mismatch")
		}
		if err := coord.Start(ctx); err != nil {
			return fmt.Errorf("start coordinator: %w", err)
		}
		v.coord = coord
	}

	cl, err := client.Dial(v.cfg, v.log)
	if err != nil {
		if v.coord != nil {
			v.coord.Stop()
			v.coord = nil
		}
		return err
	}
	v.cl = cl

	v.savedInstanceID = v.cfg.InstanceID
	v.savedN = v.cfg.NumInstances
	v.enabled = true
	v.log.Info("cross-instance validation enabled", "instances", v.cfg.NumInstances)
	return nil
}

// Validate submits a fingerprint for the next sync point and blocks until
// the round resolves. On a mismatch the process aborts with a nonzero
// status; a timeout is logged and tolerated. No-op while validation is
// disabled or a checkpoint is in progress.
//
// Precondition: every participant calls Validate the same number of times
// in the same program order; the sync point's identity is the call
// ordinal, not the label.
func (v *Validator) Validate(label, fingerprint string) {
	err := v.validate(label, fingerprint)
	if err == nil {
		return
	}

	var mismatch *client.MismatchError
	if errors.As(err, &mismatch) {
		v.assertFailed(err.Error())
		return
	}
	// Transport failures degrade validation but never kill the hosted
	// computation.
	v.log.Warn("validation skipped", "label", label, "error", err)
}

// ValidateSoft is Validate with a logging disposition: a mismatch is
// reported but the process continues.
func (v *Validator) ValidateSoft(label, fingerprint string) {
	err := v.validate(label, fingerprint)
	if err == nil {
		return
	}

	var mismatch *client.MismatchError
	if errors.As(err, &mismatch) {
		v.log.Error("validation mismatch tolerated", "label", label, "error", err)
		return
	}
	v.log.Warn("validation skipped", "label", label, "error", err)
}

func (v *Validator) validate(label, fingerprint string) error {
	if v.checkpointing.Load() {
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.enabled || v.cl == nil {
		return nil
	}
	return v.cl.Validate(label, fingerprint)
}

func (v *Validator) assertFailed(detail string) {
	v.log.Error("ASSERTION FAILED", "detail", detail)
	fmt.Fprintf(os.Stderr, "ASSERTION FAILED: %s\n", detail)
	exitFunc(1)
}

// Cleanup tears down the client and, for instance 0, the coordinator.
// Idempotent, and safe to call whether or not Start succeeded.
func (v *Validator) Cleanup() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.teardownLocked()
	v.bus.Close()
}

func (v *Validator) teardownLocked() {
	if v.cl != nil {
		v.cl.Shutdown()
		v.cl = nil
	}
	if v.coord != nil {
		v.coord.Stop()
		v.coord = nil
	}
	v.enabled = false
}

// PreCheckpoint quiesces validation ahead of an external process
// checkpoint: in-flight and subsequent Validate calls return immediately,
// the topology is saved, and every socket is closed (the unix endpoint is
// unlinked). The peer side of each connection observes a clean teardown.
func (v *Validator) PreCheckpoint() {
	v.checkpointing.Store(true)

	v.mu.Lock()
	defer v.mu.Unlock()

	v.log.Info("checkpoint: quiescing validation", "sync_points_completed", v.syncPointLocked())
	v.teardownLocked()
}

// Resume re-establishes the full topology after a successful in-place
// checkpoint. Sync-point counters restart at zero on every participant, so
// the hosted computation must also restart its logical numbering.
func (v *Validator) Resume(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	// Give peers time to reach their own resume hooks before connecting.
	time.Sleep(time.Duration(v.cfg.ResumeDelayMs) * time.Millisecond)

	v.cfg.InstanceID = v.savedInstanceID
	v.cfg.NumInstances = v.savedN

	if err := v.startLocked(ctx); err != nil {
		return fmt.Errorf("resume instance %d: %w", v.savedInstanceID, err)
	}

	v.checkpointing.Store(false)
	v.log.Info("checkpoint: validation resumed", "instance", v.cfg.InstanceID)
	return nil
}

// Restart would rebuild state from a checkpoint file in a cold process.
// It is deliberately unsupported; resume-in-place is the only recovery
// path.
func (v *Validator) Restart() error {
	v.log.Warn("restart from checkpoint file is not supported; use Resume after an in-place checkpoint")
	return fmt.Errorf("restart from checkpoint file is not supported")
}

// SyncPoint returns the ordinal of the most recent submission.
func (v *Validator) SyncPoint() uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.syncPointLocked()
}

func (v *Validator) syncPointLocked() uint32 {
	if v.cl == nil {
		return 0
	}
	return v.cl.SyncPoint()
}

// Events exposes the lifecycle event bus for observers.
func (v *Validator) Events() *events.Bus {
	return v.bus
}

// Coordinator returns the in-process coordinator, or nil for instances
// other than 0 (and before Start).
func (v *Validator) Coordinator() *coordinator.Coordinator {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.coord
}
