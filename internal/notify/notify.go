package notify

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"leafmatch/internal/domain"
)

// Notifier receives the "reservation confirmed" event. The backend only
// emits the event; SMS/email delivery belongs to whoever consumes it.
type Notifier interface {
	ReservationConfirmed(ctx context.Context, r domain.Reservation) error
}

// LogNotifier is the fallback when no broker is configured.
type LogNotifier struct{}

func (LogNotifier) ReservationConfirmed(_ context.Context, r domain.Reservation) error {
	log.Printf("[notify] reservation confirmed id=%s plant=%s seller=%s mode=%s", r.ID, r.PlantKey, r.Offer.SellerID, r.Mode)
	return nil
}

func newEvent(r domain.Reservation) domain.ReservationConfirmedEvent {
	return domain.ReservationConfirmedEvent{
		EventID:     uuid.New().String(),
		Reservation: r,
		OccurredAt:  time.Now().UTC(),
	}
}
