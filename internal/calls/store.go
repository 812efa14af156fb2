package calls

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("calls: session not found")
	ErrStaleStatus   = errors.New("calls: status transition would regress")
	ErrAlreadyExists = errors.New("calls: session already exists")
)

// Patch is a field-scoped partial update. Nil fields are left untouched.
// Narrow patches keep the webhook writer, the dialogue turn service and the
// consistency engine from clobbering each other's columns.
type Patch struct {
	Status         *Status
	ProviderCallID *string

	StartedAt *time.Time
	EndedAt   *time.Time

	ClosingState *ClosingState

	RecapStatus        *RecapStatus
	RecapAttemptCount  *int
	RecapErrorCode     *string
	RecapLastAttemptAt *time.Time

	LastActivityAt   *time.Time
	SilenceStartedAt *time.Time
	// ClearSilenceStartedAt nulls the column; a nil SilenceStartedAt alone
	// means "leave as is".
	ClearSilenceStartedAt bool
	RepromptCount         *int
}

// ChangeKind discriminates change-feed events.
type ChangeKind string

const (
	ChangeSession ChangeKind = "session"
	ChangeTurn    ChangeKind = "turn"
)

// ChangeEvent is one entry on a call's change feed. Session events carry the
// full row as committed; turn events carry the appended turn.
type ChangeEvent struct {
	Kind    ChangeKind        `json:"kind"`
	Session *CallSession      `json:"session,omitempty"`
	Turn    *ConversationTurn `json:"turn,omitempty"`
}

// Store is the call record store: point reads, field-scoped conditional
// updates and a per-call change feed.
//
// Update must reject status regressions (ErrStaleStatus) so that a delayed
// webhook can never un-answer an answered call. Feed delivery is in commit
// order but not guaranteed: subscribers own their staleness recovery.
type Store interface {
	Create(ctx context.Context, s CallSession) error
	Get(ctx context.Context, id string) (CallSession, error)
	Update(ctx context.Context, id string, p Patch) (CallSession, error)

	// SetCheckpoint stamps a named milestone. Write-once: stamping an
	// existing key is a no-op, never an error.
	SetCheckpoint(ctx context.Context, id, name string, at time.Time) error

	AppendTurn(ctx context.Context, t ConversationTurn) error
	ListTurns(ctx context.Context, callID string) ([]ConversationTurn, error)

	// Subscribe returns the call's change feed. The channel is closed when
	// ctx is canceled. Events may be dropped; never rely on them alone.
	Subscribe(ctx context.Context, callID string) (<-chan ChangeEvent, error)
}

// apply merges a patch into a session, enforcing the forward-only status
// order and first-writer-wins EndedAt. Shared by the store implementations.
func apply(s CallSession, p Patch, now time.Time) (CallSession, error) {
	if p.Status != nil {
		if !CanTransition(s.Status, *p.Status) {
			return s, ErrStaleStatus
		}
		s.Status = *p.Status
	}
	if p.ProviderCallID != nil {
		s.ProviderCallID = *p.ProviderCallID
	}
	if p.StartedAt != nil && s.StartedAt == nil {
		t := *p.StartedAt
		s.StartedAt = &t
	}
	if p.EndedAt != nil && s.EndedAt == nil {
		t := *p.EndedAt
		s.EndedAt = &t
	}
	if p.ClosingState != nil {
		s.ClosingState = *p.ClosingState
	}
	if p.RecapStatus != nil {
		s.RecapStatus = *p.RecapStatus
	}
	if p.RecapAttemptCount != nil {
		s.RecapAttemptCount = *p.RecapAttemptCount
	}
	if p.RecapErrorCode != nil {
		s.RecapErrorCode = *p.RecapErrorCode
	}
	if p.RecapLastAttemptAt != nil {
		t := *p.RecapLastAttemptAt
		s.RecapLastAttemptAt = &t
	}
	if p.LastActivityAt != nil {
		t := *p.LastActivityAt
		s.LastActivityAt = &t
	}
	if p.ClearSilenceStartedAt {
		s.SilenceStartedAt = nil
	} else if p.SilenceStartedAt != nil {
		t := *p.SilenceStartedAt
		s.SilenceStartedAt = &t
	}
	if p.RepromptCount != nil {
		s.RepromptCount = *p.RepromptCount
	}
	s.UpdatedAt = now
	return s, nil
}
