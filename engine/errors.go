package engine

import (
	"errors"
	"fmt"
)

// Validation errors: bad input shape, checked before any state is touched.
var (
	ErrZeroAmount   = errors.New("amount must be greater than zero")
	ErrInvalidAsset = errors.New("asset is not part of the pool")
	ErrExpired      = errors.New("deadline expired")
	ErrInvalidFee   = errors.New("fee outside the allowed range")
	ErrOverflow     = errors.New("arithmetic overflow")
	ErrInvalidCall  = errors.New("invalid call")
)

// Rejections: business-rule failures. State is left unchanged.
var (
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrRatioMismatch         = errors.New("deposit ratio does not match reserves")
	ErrSlippageExceeded      = errors.New("output below minimum")
	ErrInsufficientShares    = errors.New("insufficient lp shares")
	ErrRepaymentFailed       = errors.New("flash loan not repaid")
	ErrDuplicatePool         = errors.New("pool already registered")
	ErrPoolNotFound          = errors.New("pool not found")
	ErrPoolInactive          = errors.New("pool is inactive")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrUnsupportedAsset      = errors.New("asset not supported")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrReentrant             = errors.New("reentrancy detected")
	ErrLockContention        = errors.New("resource locked by a concurrent call")
)

// ErrInternal is surfaced when an invariant violation was recovered at the protocol boundary.
var ErrInternal = errors.New("internal invariant violation")

// Kind classifies an error for callers deciding how to react.
type Kind uint8

const (
	KindNone Kind = iota
	KindValidation
	KindRejection
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindValidation:
		return "validation"
	case KindRejection:
		return "rejection"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

var validationErrors = []error{
	ErrZeroAmount, ErrInvalidAsset, ErrExpired, ErrInvalidFee, ErrOverflow, ErrInvalidCall,
}

// Classify maps err onto the error taxonomy. Unknown errors are rejections.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	var iv *InvariantViolation
	if errors.Is(err, ErrInternal) || errors.As(err, &iv) {
		return KindInternal
	}
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return KindValidation
		}
	}
	return KindRejection
}

// InvariantViolation is the panic value raised when internal accounting is broken.
// It indicates a bug, never a user error.
type InvariantViolation struct {
	Component string
	Detail    string
}

func (v *InvariantViolation) Error() string {
	return fmt.Sprintf("%s: invariant violated: %s", v.Component, v.Detail)
}

func (v *InvariantViolation) Unwrap() error {
	return ErrInternal
}

// Assert panics with an InvariantViolation when cond is false.
func Assert(cond bool, component string, format string, args ...any) {
	if !cond {
		panic(&InvariantViolation{Component: component, Detail: fmt.Sprintf(format, args...)})
	}
}

// DependencyError is returned when a collaborator (the Ledger, a borrower callback) fails.
type DependencyError struct {
	// Dependency is the name of the collaborator call that failed (e.g. "ledger.Transfer").
	Dependency string
	// Err is the underlying error returned by the dependency.
	Err error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("dependency '%s' failed: %v", e.Dependency, e.Err)
}

// Unwrap allows the error to be inspected with errors.Is and errors.As.
func (e *DependencyError) Unwrap() error {
	return e.Err
}
