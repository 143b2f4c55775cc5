package reservation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"leafmatch/internal/domain"
	"leafmatch/internal/xid"
)

var (
	ErrOutOfStock            = errors.New("offer is out of stock")
	ErrDeliveryRangeExceeded = errors.New("delivery range exceeded")
	ErrValidation            = errors.New("invalid reservation input")
	ErrInvalidState          = errors.New("reservation is not in the required state")
)

const (
	DefaultDeliveryRadiusKm = 15.0
	DefaultHoldDuration     = 48 * time.Hour
)

// Decider gates delivery eligibility, validates availability, and drives a
// reservation through its lifecycle. It holds no mutable state and performs
// no I/O; time is always supplied by the caller.
type Decider struct {
	deliveryRadiusKm float64
	holdDuration     time.Duration
}

func NewDecider() *Decider {
	return &Decider{
		deliveryRadiusKm: DefaultDeliveryRadiusKm,
		holdDuration:     DefaultHoldDuration,
	}
}

func (d *Decider) CheckDeliveryEligible(offer domain.SellerOffer) bool {
	return offer.DistanceKm <= d.deliveryRadiusKm
}

// Begin stages a reservation in memory. Preconditions are checked in order;
// the first failure wins: stock, then delivery radius for delivery mode.
func (d *Decider) Begin(plantKey string, offer domain.SellerOffer, mode string) (domain.Reservation, error) {
	if mode != domain.ModePickup && mode != domain.ModeDelivery {
		return domain.Reservation{}, fmt.Errorf("%w: unknown mode %q", ErrValidation, mode)
	}
	if offer.Stock <= 0 {
		return domain.Reservation{}, ErrOutOfStock
	}
	if mode == domain.ModeDelivery && !d.CheckDeliveryEligible(offer) {
		return domain.Reservation{}, ErrDeliveryRangeExceeded
	}

	return domain.Reservation{
		PlantKey: plantKey,
		Offer:    offer,
		Mode:     mode,
		State:    domain.ReservationPending,
	}, nil
}

// Confirm transitions a pending reservation to confirmed, assigning its id
// and timestamps. Pickup reservations get a hold expiry of now + 48h;
// delivery orders carry no hold and are terminal on confirmation.
func (d *Decider) Confirm(pending domain.Reservation, contact domain.ContactInfo, slot *domain.TimeSlot, now time.Time) (domain.Reservation, error) {
	if pending.State != domain.ReservationPending {
		return domain.Reservation{}, ErrInvalidState
	}
	if strings.TrimSpace(contact.Name) == "" {
		return domain.Reservation{}, fmt.Errorf("%w: contact name required", ErrValidation)
	}
	if strings.TrimSpace(contact.Phone) == "" {
		return domain.Reservation{}, fmt.Errorf("%w: contact phone required", ErrValidation)
	}

	if pending.Mode == domain.ModePickup {
		if slot == nil {
			return domain.Reservation{}, fmt.Errorf("%w: pickup slot required", ErrValidation)
		}
		if err := validateSlot(*slot, now); err != nil {
			return domain.Reservation{}, err
		}
	}

	confirmed := pending
	confirmed.ID = xid.New("rsv")
	confirmed.Contact = contact
	confirmed.State = domain.ReservationConfirmed
	createdAt := now
	confirmed.CreatedAt = &createdAt

	if pending.Mode == domain.ModePickup {
		confirmed.Slot = slot
		expiresAt := now.Add(d.holdDuration)
		confirmed.ExpiresAt = &expiresAt
	}

	return confirmed, nil
}

// IsExpired is a passive, time-parameterized state read. Delivery orders
// have no hold concept and never expire.
func (d *Decider) IsExpired(r domain.Reservation, now time.Time) bool {
	if r.Mode != domain.ModePickup {
		return false
	}
	if r.State != domain.ReservationConfirmed || r.ExpiresAt == nil {
		return false
	}
	return now.After(*r.ExpiresAt)
}

// Cancel is permitted only before confirmation.
func (d *Decider) Cancel(r domain.Reservation) (domain.Reservation, error) {
	if r.State != domain.ReservationPending {
		return domain.Reservation{}, ErrInvalidState
	}
	cancelled := r
	cancelled.State = domain.ReservationCancelled
	return cancelled, nil
}

// validateSlot checks that the slot is syntactically well formed
// ("2006-01-02" date, "HH:MM-HH:MM" window) and starts after now.
// Availability enumeration is the caller's concern.
func validateSlot(slot domain.TimeSlot, now time.Time) error {
	start, _, ok := strings.Cut(strings.TrimSpace(slot.Window), "-")
	if !ok {
		return fmt.Errorf("%w: slot window must be HH:MM-HH:MM", ErrValidation)
	}

	startAt, err := time.ParseInLocation("2006-01-02 15:04", strings.TrimSpace(slot.Date)+" "+strings.TrimSpace(start), now.Location())
	if err != nil {
		return fmt.Errorf("%w: malformed pickup slot: %v", ErrValidation, err)
	}
	if !startAt.After(now) {
		return fmt.Errorf("%w: pickup slot must be in the future", ErrValidation)
	}
	return nil
}
