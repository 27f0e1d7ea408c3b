// Package pool owns the survey-link and gift-card resource pools: uploads,
// the atomic claim primitive, status bookkeeping, and the orphan
// reconciliation sweep.
//
// A claim is a two-step compare-and-set: read the oldest AVAILABLE row, then
// flip it to ASSIGNED guarded by `WHERE status = 'AVAILABLE'`. A zero
// rows-affected flip means another request claimed the row first; the claim
// loop re-reads and tries again a bounded number of times. Callers must treat
// a claim as provisional until they have bound it to an allocation row and
// recorded the owner reference; crashes in between are repaired by Reconcile.
package pool

import (
	"gorm.io/gorm"
)

// claimAttempts bounds the re-read loop when a claim flip loses a race.
const claimAttempts = 3

// Kind selects which resource pool an operation targets.
type Kind string

const (
	KindLinks Kind = "links"
	KindCards Kind = "cards"
)

// Service provides pool operations over a database handle.
type Service struct {
	db *gorm.DB
}

// NewService constructs a pool service.
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// WithTx returns a service bound to an open transaction so claims can share
// the caller's transaction boundary.
func (s *Service) WithTx(tx *gorm.DB) *Service {
	return &Service{db: tx}
}
