// Package core holds the error taxonomy shared by the allocation services.
// Callers classify failures with errors.Is against these sentinels; HTTP
// handlers map them onto status codes.
package core

import "errors"

var (
	// ErrNotFound indicates a referenced participant, invitation, gift card,
	// or pool row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a business-rule violation such as a duplicate
	// code, an already-sent card, or a cap set below current enrollment.
	ErrConflict = errors.New("conflict")

	// ErrPoolEmpty indicates no eligible resource exists in the requested
	// pool or batch. Distinct from ErrConflict so callers can answer with
	// "try later" instead of a hard rejection.
	ErrPoolEmpty = errors.New("pool empty")

	// ErrEnrollmentFull indicates the admission gate is closed, either
	// because the cap is reached or enrollment is switched off.
	ErrEnrollmentFull = errors.New("enrollment full")

	// ErrDeliveryFailed indicates every requested delivery channel failed
	// and the send was rolled back.
	ErrDeliveryFailed = errors.New("delivery failed")

	// ErrRaceLost indicates a claim or uniqueness flip lost to a concurrent
	// winner and bounded retries were exhausted. Callers should not surface
	// this to users when a retry or the winner's result can serve instead.
	ErrRaceLost = errors.New("lost race")
)
