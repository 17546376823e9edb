package leak

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/revleak/internal/platform/apperr"
)

// allowedTransitions is the leak lifecycle. Terminal states have no entry.
var allowedTransitions = map[Status][]Status{
	StatusOpen:          {StatusInvestigating, StatusResolved, StatusWaived},
	StatusInvestigating: {StatusResolved, StatusWaived},
}

func CanTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionRequest moves one leak to Target. ExpectedVersion is the version
// the caller last read; a mismatch is a conflict, never a silent overwrite.
type TransitionRequest struct {
	LeakID          uuid.UUID `json:"leak_id"`
	Target          Status    `json:"target_status"`
	Actor           string    `json:"actor"`
	Note            string    `json:"note"`
	ExpectedVersion int       `json:"expected_version"`
}

type Tracker struct {
	repo        Repository
	attribution Attribution
	invalidator ReportInvalidator
	now         func() time.Time
	logger      zerolog.Logger
}

func NewTracker(repo Repository, attribution Attribution, logger zerolog.Logger) *Tracker {
	if attribution == "" {
		attribution = AttributeDetected
	}
	return &Tracker{
		repo:        repo,
		attribution: attribution,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger.With().Str("component", "resolution_tracker").Logger(),
	}
}

func (t *Tracker) SetInvalidator(inv ReportInvalidator) { t.invalidator = inv }

// Transition applies req. Checks run in the order not-found, version,
// lifecycle, so two callers racing on one version get exactly one success
// and one version conflict. If the transition commits but the report cache
// cannot be invalidated, the updated leak is returned with the error.
func (t *Tracker) Transition(ctx context.Context, req TransitionRequest) (*RevenueLeak, error) {
	const op = "resolve_leak"
	ref := req.LeakID.String()

	if _, ok := ParseStatus(string(req.Target)); !ok {
		return nil, apperr.Validation(op, "unknown target status %q", req.Target)
	}
	if strings.TrimSpace(req.Actor) == "" {
		return nil, apperr.Validation(op, "actor is required")
	}

	cur, err := t.repo.GetByID(ctx, req.LeakID)
	if errors.Is(err, ErrLeakNotFound) {
		return nil, apperr.NotFound(op, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("load leak %s: %w", ref, err)
	}
	if cur.Version != req.ExpectedVersion {
		return nil, apperr.VersionConflict(op, ref, req.ExpectedVersion)
	}
	if !CanTransition(cur.Status, req.Target) {
		return nil, apperr.InvalidTransition(op, ref, "cannot move from %s to %s", cur.Status, req.Target)
	}

	now := t.now()
	next := cur.clone()
	next.Status = req.Target
	next.Version = cur.Version + 1
	if req.Target.Terminal() {
		actor, note := req.Actor, req.Note
		next.ResolvedBy = &actor
		next.ResolvedAt = &now
		next.ResolutionNote = &note
	}
	from := cur.Status
	ev := Event{
		LeakID:     cur.ID,
		Version:    next.Version,
		FromStatus: &from,
		ToStatus:   req.Target,
		Actor:      req.Actor,
		Note:       req.Note,
		OccurredAt: now,
	}

	switch err := t.repo.UpdateVersioned(ctx, next, req.ExpectedVersion, ev); {
	case errors.Is(err, ErrStaleVersion):
		return nil, apperr.VersionConflict(op, ref, req.ExpectedVersion)
	case errors.Is(err, ErrLeakNotFound):
		return nil, apperr.NotFound(op, ref)
	case err != nil:
		return nil, apperr.StoreWrite(op, ref, err)
	}

	t.logger.Info().
		Str("leak_id", ref).
		Str("from", string(from)).
		Str("to", string(next.Status)).
		Str("actor", req.Actor).
		Int("version", next.Version).
		Msg("leak transitioned")

	if next.Status.Terminal() && t.invalidator != nil {
		if err := t.invalidator.InvalidateAt(ctx, next.AttributedAt(t.attribution)); err != nil {
			t.logger.Error().Err(err).Str("leak_id", ref).Msg("failed to invalidate reconciliation report")
			return next, apperr.StoreWrite(op, "reconciliation_cache", err)
		}
	}
	return next, nil
}
