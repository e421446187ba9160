package errors

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"syscall"
)

// Kind is the coarse classification the resilience engine acts on.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindPermanent
	KindCircuitOpen
	KindRecoveryExhausted
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindCircuitOpen:
		return "circuit_open"
	case KindRecoveryExhausted:
		return "recovery_exhausted"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Domain names which recovery capability can act on a failure.
type Domain int

const (
	DomainNone Domain = iota
	// DomainSurface failures are fixed by refreshing the interactive surface.
	DomainSurface
	// DomainProcess failures need the host process relaunched.
	DomainProcess
	// DomainRemote failures are retried against the remote endpoint.
	DomainRemote
)

func (d Domain) String() string {
	switch d {
	case DomainSurface:
		return "surface"
	case DomainProcess:
		return "process"
	case DomainRemote:
		return "remote"
	default:
		return "none"
	}
}

// Classification is the result of inspecting an error once at the boundary.
type Classification struct {
	Type   ErrorType
	Kind   Kind
	Domain Domain
}

// Retryable reports whether the classification allows another attempt.
func (c Classification) Retryable() bool {
	return c.Kind == KindTransient || c.Kind == KindUnknown
}

type classEntry struct {
	kind   Kind
	domain Domain
}

var typeClasses = map[ErrorType]classEntry{
	ErrorTypeValidation:        {KindPermanent, DomainNone},
	ErrorTypeAuthentication:    {KindPermanent, DomainRemote},
	ErrorTypeAuthorization:     {KindPermanent, DomainRemote},
	ErrorTypeNotFound:          {KindPermanent, DomainRemote},
	ErrorTypeConflict:          {KindPermanent, DomainRemote},
	ErrorTypeRateLimit:         {KindTransient, DomainRemote},
	ErrorTypeInternal:          {KindUnknown, DomainNone},
	ErrorTypeExternal:          {KindTransient, DomainRemote},
	ErrorTypeTimeout:           {KindTransient, DomainRemote},
	ErrorTypeConnection:        {KindTransient, DomainRemote},
	ErrorTypeUnavailable:       {KindTransient, DomainRemote},
	ErrorTypeElementNotFound:   {KindTransient, DomainSurface},
	ErrorTypeStaleElement:      {KindTransient, DomainSurface},
	ErrorTypeSessionLost:       {KindTransient, DomainProcess},
	ErrorTypeCircuitOpen:       {KindCircuitOpen, DomainRemote},
	ErrorTypeRecoveryExhausted: {KindRecoveryExhausted, DomainNone},
	ErrorTypeCanceled:          {KindCanceled, DomainNone},
}

// ClassifyType returns the classification registered for an error type.
func ClassifyType(t ErrorType) Classification {
	entry, ok := typeClasses[t]
	if !ok {
		return Classification{Type: t, Kind: KindUnknown, Domain: DomainNone}
	}
	return Classification{Type: t, Kind: entry.kind, Domain: entry.domain}
}

// Classify maps an error to its type, kind and domain. Errors exposing an
// ErrorType method are trusted first; network and context errors from the
// standard library are recognised next; everything else is internal.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}

	var typed interface{ ErrorType() ErrorType }
	if stderrors.As(err, &typed) {
		return ClassifyType(typed.ErrorType())
	}

	if stderrors.Is(err, ErrInvalidArgument) {
		return ClassifyType(ErrorTypeValidation)
	}

	if stderrors.Is(err, context.Canceled) {
		return ClassifyType(ErrorTypeCanceled)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return ClassifyType(ErrorTypeTimeout)
	}

	if stderrors.Is(err, syscall.ECONNRESET) ||
		stderrors.Is(err, syscall.ECONNREFUSED) ||
		stderrors.Is(err, syscall.ECONNABORTED) ||
		stderrors.Is(err, syscall.EPIPE) ||
		stderrors.Is(err, io.ErrUnexpectedEOF) ||
		stderrors.Is(err, io.EOF) {
		return ClassifyType(ErrorTypeConnection)
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassifyType(ErrorTypeTimeout)
		}
		return ClassifyType(ErrorTypeConnection)
	}

	return ClassifyType(ErrorTypeInternal)
}

// IsCanceled reports whether err stems from the caller canceling the context.
func IsCanceled(err error) bool {
	return Classify(err).Kind == KindCanceled
}
