package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrBudgetExceeded = errors.New("budget exceeded, new sessions blocked")
	ErrQuotaExceeded  = errors.New("user session quota exceeded")
	ErrNoMachines     = errors.New("session declares no machines")
)

// ProvisionError wraps a provider failure during session start with the
// step that failed. By the time it surfaces, partial resources have been
// rolled back.
type ProvisionError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provisioning session %s: %s: %s", e.SessionID, e.Op, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// IsBudgetExceeded returns true if the error is a budget refusal.
func IsBudgetExceeded(err error) bool {
	return errors.Is(err, ErrBudgetExceeded)
}

// IsQuotaExceeded returns true if the error is a per-user quota refusal.
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}
