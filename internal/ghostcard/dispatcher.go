// Package ghostcard creates deferred satisfaction-survey records for
// concluded purchase decisions.
package ghostcard

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pausely/pausely/internal/feedback"
	"github.com/pausely/pausely/internal/storage"
)

// Creator is the slice of the record store the dispatcher needs.
type Creator interface {
	CreateGhostCard(ctx context.Context, g storage.GhostCard) error
}

// Dispatcher creates at most one ghost card per call when the stored
// outcome qualifies. There is no uniqueness check against prior calls:
// resubmitted feedback can produce duplicate cards for the same interaction.
type Dispatcher struct {
	store Creator
	now   func() time.Time
}

func NewDispatcher(store Creator) *Dispatcher {
	return &Dispatcher{store: store, now: time.Now}
}

// Dispatch creates a pending ghost card for the interaction if the stored
// outcome is in the qualifying set. It returns the created card id, or ""
// when the outcome does not qualify.
func (d *Dispatcher) Dispatch(ctx context.Context, interactionID, userID, storedOutcome string) (string, error) {
	if !feedback.QualifiesForGhostCard(storedOutcome) {
		return "", nil
	}

	card := storage.GhostCard{
		ID:            uuid.New().String(),
		UserID:        userID,
		InteractionID: interactionID,
		Status:        storage.GhostCardPending,
		CreatedAt:     d.now().UTC(),
	}
	if err := d.store.CreateGhostCard(ctx, card); err != nil {
		return "", fmt.Errorf("creating ghost card for %s: %w", interactionID, err)
	}
	return card.ID, nil
}
