package crossval

import (
	"context"
	"fmt"
	"sync"

	"github.com/crossval/crossval/internal/config"
)

// The hosted computation typically wants exactly one validation context per
// process; these package-level entry points manage it.

var (
	defaultMu sync.Mutex
	defaultV  *Validator
)

// Init establishes the process-wide validation context with an explicit
// topology. Connection parameters still come from the environment (and the
// optional YAML base file).
func Init(instanceID, numInstances int) error {
	cfg, err := config.LoadForInstance(instanceID, numInstances)
	if err != nil {
		return fmt.Errorf("cross-validation init: %w", err)
	}
	return initWith(cfg)
}

// InitFromEnv establishes the process-wide validation context entirely
// from CROSS_VALIDATION_* environment variables.
func InitFromEnv() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("cross-validation init: %w", err)
	}
	return initWith(cfg)
}

func initWith(cfg *config.Config) error {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultV != nil {
		return fmt.Errorf("cross-validation already initialized")
	}

	v := New(cfg, nil)
	if err := v.Start(context.Background()); err != nil {
		return err
	}
	defaultV = v
	return nil
}

// Default returns the process-wide Validator, or nil before Init.
func Default() *Validator {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultV
}

// Validate submits a fingerprint through the process-wide context. A no-op
// before Init; aborts the process on mismatch.
func Validate(label, fingerprint string) {
	if v := Default(); v != nil {
		v.Validate(label, fingerprint)
	}
}

// ValidateSoft is Validate with a log-only mismatch disposition.
func ValidateSoft(label, fingerprint string) {
	if v := Default(); v != nil {
		v.ValidateSoft(label, fingerprint)
	}
}

// Cleanup tears down the process-wide context. Idempotent.
func Cleanup() {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultV != nil {
		defaultV.Cleanup()
		defaultV = nil
	}
}

// PreCheckpoint quiesces the process-wide context ahead of an external
// checkpoint.
func PreCheckpoint() {
	if v := Default(); v != nil {
		v.PreCheckpoint()
	}
}

// Resume re-establishes the process-wide context after an in-place
// checkpoint.
func Resume() error {
	v := Default()
	if v == nil {
		return fmt.Errorf("cross-validation not initialized")
	}
	return v.Resume(context.Background())
}

// Restart is the cold-process recovery hook; see Validator.Restart.
func Restart() error {
	v := Default()
	if v == nil {
		return fmt.Errorf("cross-validation not initialized")
	}
	return v.Restart()
}
