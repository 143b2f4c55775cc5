package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"leafmatch/internal/domain"
	"leafmatch/internal/match"
	"leafmatch/internal/notify"
	"leafmatch/internal/reservation"
	"leafmatch/internal/store"
	"leafmatch/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo     store.Repository
	matcher  *match.Engine
	decider  *reservation.Decider
	notifier notify.Notifier
}

func New(repo store.Repository, matcher *match.Engine, decider *reservation.Decider, notifier notify.Notifier) *Service {
	if decider == nil {
		decider = reservation.NewDecider()
	}
	if notifier == nil {
		notifier = notify.LogNotifier{}
	}

	return &Service{
		repo:     repo,
		matcher:  matcher,
		decider:  decider,
		notifier: notifier,
	}
}

func (s *Service) ListPlants(ctx context.Context) ([]domain.PlantProfile, error) {
	return s.repo.ListPlants(ctx)
}

func (s *Service) CreatePlant(ctx context.Context, req domain.PlantCreateRequest) (domain.PlantProfile, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.PlantProfile{}, fmt.Errorf("admin role required")
	}

	req.Key = strings.ToLower(strings.TrimSpace(req.Key))
	req.Name = strings.TrimSpace(req.Name)
	if req.Key == "" || req.Name == "" {
		return domain.PlantProfile{}, store.ErrInvalidInput
	}

	plant := domain.PlantProfile{
		Key:            req.Key,
		Name:           req.Name,
		Description:    strings.TrimSpace(req.Description),
		CareDifficulty: req.CareDifficulty,
		PriceCents:     req.PriceCents,
		Active:         true,
	}

	created, err := s.repo.CreatePlant(ctx, plant)
	if err != nil {
		return domain.PlantProfile{}, err
	}

	s.logAudit(ctx, "plant_create", "plant", created.Key, fmt.Sprintf("name=%s,difficulty=%d", created.Name, created.CareDifficulty))
	return *created, nil
}

func (s *Service) UpdatePlant(ctx context.Context, key string, req domain.PlantUpdateRequest) (domain.PlantProfile, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.PlantProfile{}, fmt.Errorf("admin role required")
	}

	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return domain.PlantProfile{}, store.ErrInvalidInput
	}

	existing, err := s.repo.GetPlantByKey(ctx, key)
	if err != nil {
		return domain.PlantProfile{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.PlantProfile{}, store.ErrInvalidInput
		}
		updated.Name = name
	}
	if req.Description != nil {
		updated.Description = strings.TrimSpace(*req.Description)
	}
	if req.CareDifficulty != nil {
		updated.CareDifficulty = *req.CareDifficulty
	}
	if req.PriceCents != nil {
		updated.PriceCents = *req.PriceCents
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}

	saved, err := s.repo.UpdatePlant(ctx, updated)
	if err != nil {
		return domain.PlantProfile{}, err
	}

	s.logAudit(ctx, "plant_update", "plant", saved.Key, fmt.Sprintf("active=%t,price=%d", saved.Active, saved.PriceCents))
	return *saved, nil
}

func (s *Service) ListQuestions(ctx context.Context) ([]domain.QuizQuestion, error) {
	return s.repo.ListQuestions(ctx)
}

// ScoreQuiz runs the match engine against the stored question bank and
// catalog and records a quiz completion event for the metrics endpoint.
func (s *Service) ScoreQuiz(ctx context.Context, req domain.QuizScoreRequest) (domain.QuizScoreResponse, error) {
	if len(req.Answers) == 0 {
		return domain.QuizScoreResponse{}, fmt.Errorf("%w: at least one answer required", store.ErrInvalidInput)
	}

	startedAt := time.Now()

	questions, err := s.repo.ListQuestions(ctx)
	if err != nil {
		return domain.QuizScoreResponse{}, err
	}
	signal, err := s.repo.GetExpertSignal(ctx)
	if err != nil {
		return domain.QuizScoreResponse{}, err
	}
	catalog, err := s.repo.ListPlants(ctx)
	if err != nil {
		return domain.QuizScoreResponse{}, err
	}

	recommendations := s.matcher.Score(ctx, req.Answers, questions, signal, catalog)
	expert := match.IsExpert(req.Answers, signal)
	latency := time.Since(startedAt).Milliseconds()

	event := domain.QuizEvent{
		Expert:      expert,
		Recommended: len(recommendations),
		LatencyMS:   latency,
		CreatedAt:   time.Now().UTC(),
	}
	if len(recommendations) > 0 {
		event.PrimaryPlantKey = recommendations[0].Plant.Key
		event.Score = recommendations[0].Score
		event.MatchPercentage = recommendations[0].MatchPercentage
	}
	if err := s.repo.CreateQuizEvent(ctx, event); err != nil {
		log.Printf("[service] WARN: failed to record quiz event: %v", err)
	}

	return domain.QuizScoreResponse{
		Recommendations: recommendations,
		Expert:          expert,
		LatencyMS:       latency,
	}, nil
}

// ListOffers resolves persisted listings for a plant into requester-relative
// seller offers, sorted by distance.
func (s *Service) ListOffers(ctx context.Context, plantKey string, lat float64, lng float64) (domain.OfferListResponse, error) {
	plantKey = strings.ToLower(strings.TrimSpace(plantKey))
	if plantKey == "" {
		return domain.OfferListResponse{}, store.ErrInvalidInput
	}
	if _, err := s.repo.GetPlantByKey(ctx, plantKey); err != nil {
		return domain.OfferListResponse{}, err
	}

	listings, err := s.repo.ListOffersByPlant(ctx, plantKey)
	if err != nil {
		return domain.OfferListResponse{}, err
	}

	offers := make([]domain.SellerOffer, 0, len(listings))
	for _, listing := range listings {
		offers = append(offers, s.toSellerOffer(listing, lat, lng))
	}
	sort.Slice(offers, func(i, j int) bool {
		if offers[i].DistanceKm != offers[j].DistanceKm {
			return offers[i].DistanceKm < offers[j].DistanceKm
		}
		return offers[i].ID < offers[j].ID
	})

	return domain.OfferListResponse{PlantKey: plantKey, Offers: offers}, nil
}

// BeginReservation stages a reservation against a live offer snapshot and
// persists it under a hold id so the confirm step can find it later.
func (s *Service) BeginReservation(ctx context.Context, req domain.ReservationBeginRequest) (domain.ReservationResponse, error) {
	req.PlantKey = strings.ToLower(strings.TrimSpace(req.PlantKey))
	if req.PlantKey == "" || req.OfferID == "" {
		return domain.ReservationResponse{}, store.ErrInvalidInput
	}

	listing, err := s.repo.GetOfferByID(ctx, req.OfferID)
	if err != nil {
		return domain.ReservationResponse{}, err
	}
	if listing.PlantKey != req.PlantKey {
		return domain.ReservationResponse{}, fmt.Errorf("%w: offer %s is not for plant %s", store.ErrInvalidInput, req.OfferID, req.PlantKey)
	}

	offer := s.toSellerOffer(*listing, req.Latitude, req.Longitude)
	pending, err := s.decider.Begin(req.PlantKey, offer, req.Mode)
	if err != nil {
		return domain.ReservationResponse{}, err
	}

	// The decider leaves the id empty; the hold id is a host persistence
	// handle, replaced by the final id at confirmation.
	pending.ID = xid.New("hold")
	saved, err := s.repo.CreateReservation(ctx, pending)
	if err != nil {
		return domain.ReservationResponse{}, err
	}

	return domain.ReservationResponse{Reservation: *saved}, nil
}

// ConfirmReservation validates contact and slot, claims the pending record,
// decrements the offer stock, and emits the confirmation event. now is
// threaded through from the caller so tests stay deterministic.
func (s *Service) ConfirmReservation(ctx context.Context, id string, req domain.ReservationConfirmRequest, now time.Time) (domain.ReservationResponse, error) {
	pending, err := s.repo.GetReservationByID(ctx, id)
	if err != nil {
		return domain.ReservationResponse{}, err
	}

	confirmed, err := s.decider.Confirm(*pending, req.Contact, req.Slot, now)
	if err != nil {
		return domain.ReservationResponse{}, err
	}

	// Claim the pending record before touching stock. The state guard makes
	// a racing confirm of the same hold lose here instead of decrementing a
	// second unit; the record existed a moment ago, so a miss means it was
	// concurrently transitioned.
	saved, err := s.repo.UpdateReservation(ctx, id, domain.ReservationPending, confirmed)
	if err != nil {
		if errors.Is(err, store.ErrStateConflict) || errors.Is(err, store.ErrNotFound) {
			return domain.ReservationResponse{}, reservation.ErrInvalidState
		}
		return domain.ReservationResponse{}, err
	}

	// Serialized stock decrement; the staged stock snapshot may be stale.
	if err := s.repo.DecrementOfferStock(ctx, confirmed.Offer.ID); err != nil {
		// Give the hold back so the shopper can retry or cancel it.
		if _, revertErr := s.repo.UpdateReservation(ctx, confirmed.ID, domain.ReservationConfirmed, *pending); revertErr != nil {
			log.Printf("[service] WARN: failed to restore pending reservation %s after stock failure: %v", id, revertErr)
		}
		if errors.Is(err, store.ErrInsufficientStock) {
			return domain.ReservationResponse{}, reservation.ErrOutOfStock
		}
		return domain.ReservationResponse{}, err
	}

	if err := s.notifier.ReservationConfirmed(ctx, *saved); err != nil {
		log.Printf("[service] WARN: failed to emit reservation confirmed event id=%s: %v", saved.ID, err)
	}

	return domain.ReservationResponse{Reservation: *saved}, nil
}

func (s *Service) CancelReservation(ctx context.Context, id string) (domain.ReservationResponse, error) {
	pending, err := s.repo.GetReservationByID(ctx, id)
	if err != nil {
		return domain.ReservationResponse{}, err
	}

	cancelled, err := s.decider.Cancel(*pending)
	if err != nil {
		return domain.ReservationResponse{}, err
	}

	saved, err := s.repo.UpdateReservation(ctx, id, domain.ReservationPending, cancelled)
	if err != nil {
		if errors.Is(err, store.ErrStateConflict) || errors.Is(err, store.ErrNotFound) {
			return domain.ReservationResponse{}, reservation.ErrInvalidState
		}
		return domain.ReservationResponse{}, err
	}

	return domain.ReservationResponse{Reservation: *saved}, nil
}

// GetReservation reports the stored record plus its passive expiry state.
// Expiry is a time-based read, never a write.
func (s *Service) GetReservation(ctx context.Context, id string, now time.Time) (domain.ReservationResponse, error) {
	r, err := s.repo.GetReservationByID(ctx, id)
	if err != nil {
		return domain.ReservationResponse{}, err
	}

	resp := domain.ReservationResponse{Reservation: *r}
	if s.decider.IsExpired(*r, now) {
		resp.Expired = true
		resp.Reservation.State = domain.ReservationExpired
	}
	return resp, nil
}

func (s *Service) UpsertOffer(ctx context.Context, req domain.OfferUpsertRequest) (domain.OfferListing, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || (actor.Role != domain.RoleSeller && actor.Role != domain.RoleAdmin) {
		return domain.OfferListing{}, fmt.Errorf("seller role required")
	}

	req.PlantKey = strings.ToLower(strings.TrimSpace(req.PlantKey))
	if req.PlantKey == "" || req.PriceCents < 1 || req.Stock < 0 {
		return domain.OfferListing{}, store.ErrInvalidInput
	}

	listing := domain.OfferListing{
		SellerID:     actor.Username,
		SellerName:   actor.Username,
		PlantKey:     req.PlantKey,
		PriceCents:   req.PriceCents,
		Stock:        req.Stock,
		Latitude:     req.Latitude,
		Longitude:    req.Longitude,
		DeliveryTime: strings.TrimSpace(req.DeliveryTime),
	}

	saved, err := s.repo.UpsertOffer(ctx, listing)
	if err != nil {
		return domain.OfferListing{}, err
	}

	s.logAudit(ctx, "offer_upsert", "offer", saved.ID, fmt.Sprintf("plant=%s,price=%d,stock=%d", saved.PlantKey, saved.PriceCents, saved.Stock))
	return *saved, nil
}

func (s *Service) ListSellerReservations(ctx context.Context, sellerID string, limit int) ([]domain.Reservation, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return nil, fmt.Errorf("seller role required")
	}
	if actor.Role == domain.RoleSeller {
		sellerID = actor.Username
	} else if actor.Role != domain.RoleAdmin {
		return nil, fmt.Errorf("seller role required")
	}
	if sellerID == "" {
		return nil, store.ErrInvalidInput
	}
	if limit < 1 {
		limit = 50
	}
	return s.repo.ListReservationsBySeller(ctx, sellerID, limit)
}

func (s *Service) QuizMetrics(ctx context.Context) (domain.QuizMetrics, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return domain.QuizMetrics{}, fmt.Errorf("admin role required")
	}
	return s.repo.GetQuizMetrics(ctx)
}

func (s *Service) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return nil, fmt.Errorf("admin role required")
	}
	return s.repo.ListAuditLogs(ctx, limit)
}

func (s *Service) toSellerOffer(listing domain.OfferListing, lat float64, lng float64) domain.SellerOffer {
	distance := haversineKm(lat, lng, listing.Latitude, listing.Longitude)
	offer := domain.SellerOffer{
		ID:           listing.ID,
		SellerID:     listing.SellerID,
		SellerName:   listing.SellerName,
		PlantKey:     listing.PlantKey,
		PriceCents:   listing.PriceCents,
		Stock:        listing.Stock,
		DistanceKm:   math.Round(distance*10) / 10,
		DeliveryTime: listing.DeliveryTime,
	}
	offer.DeliveryOK = s.decider.CheckDeliveryEligible(offer)
	return offer
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, _ := ActorFromContext(ctx)
	err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	})
	if err != nil {
		log.Printf("[service] WARN: failed to write audit log action=%s: %v", action, err)
	}
}

const earthRadiusKm = 6371.0

func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}
