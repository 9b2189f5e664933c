package apperrors

import "errors"

// Standardized decision-core errors. Routine rejections (expired signal,
// duplicate ledger id, insufficient budget, gatekeeper halt) are boolean
// results with reason codes, never errors; these sentinels mark logic
// defects and typed statistical failures.
var (
	ErrAllocationOverflow   = errors.New("family allocation fractions exceed 1.0")
	ErrNegativeCapital      = errors.New("total capital is negative")
	ErrConflictingExposure  = errors.New("conflicting directional exposure in instrument/horizon")
	ErrEmptySignalGroup     = errors.New("empty signal group")
	ErrInsufficientData     = errors.New("insufficient data")
	ErrNumericalInstability = errors.New("numerical instability")
	ErrLedgerExportFailed   = errors.New("ledger export failed")
	ErrInvalidDistribution  = errors.New("regime probabilities do not sum to 1")
)
