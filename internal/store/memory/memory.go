package memory

import (
	"context"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"leafmatch/internal/domain"
	"leafmatch/internal/store"
	"leafmatch/internal/xid"
)

type Store struct {
	mu           sync.RWMutex
	plants       map[string]domain.PlantProfile
	questions    []domain.QuizQuestion
	expertSignal domain.ExpertSignal
	offersByID   map[string]domain.OfferListing
	reservations map[string]domain.Reservation
	quizEvents   []domain.QuizEvent
	auditLogs    []domain.AuditLog
	usersByName  map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_SELLER_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used with a
// warning printed to stdout. These credentials are never used in production
// (the backend uses PostgreSQL when DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	sellerPwd := envOr("SEED_SELLER_PASSWORD", "seller123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_SELLER_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_SELLER_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"greenleaf", sellerPwd, domain.RoleSeller},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func seedPlants() []domain.PlantProfile {
	return []domain.PlantProfile{
		{Key: "cactus", Name: "Golden Barrel Cactus", Description: "Sun-loving and nearly indestructible.", CareDifficulty: 1, PriceCents: 29900, Active: true},
		{Key: "fern", Name: "Boston Fern", Description: "Lush fronds that like humidity and regular watering.", CareDifficulty: 4, PriceCents: 44900, Active: true},
		{Key: "fiddle-leaf-fig", Name: "Fiddle Leaf Fig", Description: "A statement tree for experienced plant parents.", CareDifficulty: 5, PriceCents: 129900, Active: true},
		{Key: "monstera", Name: "Monstera Deliciosa", Description: "Iconic split leaves, rewards consistent care.", CareDifficulty: 3, PriceCents: 89900, Active: true},
		{Key: "peace-lily", Name: "Peace Lily", Description: "Forgiving bloomer that tolerates low light.", CareDifficulty: 2, PriceCents: 54900, Active: true},
		{Key: "pothos", Name: "Golden Pothos", Description: "Trailing vine that grows almost anywhere.", CareDifficulty: 1, PriceCents: 34900, Active: true},
		{Key: "snake-plant", Name: "Snake Plant", Description: "Thrives on neglect and low light.", CareDifficulty: 1, PriceCents: 49900, Active: true},
		{Key: "spider-plant", Name: "Spider Plant", Description: "Pet-safe and prolific with plantlets.", CareDifficulty: 2, PriceCents: 32900, Active: true},
		{Key: "succulent", Name: "Echeveria Succulent", Description: "Compact rosettes for bright sills.", CareDifficulty: 1, PriceCents: 24900, Active: true},
	}
}

func seedQuestions() []domain.QuizQuestion {
	return []domain.QuizQuestion{
		{
			ID:     "q-light",
			Prompt: "How much natural light does your space get?",
			Options: []domain.AnswerOption{
				{ID: "bright", Label: "Bright, direct sun most of the day", Points: map[string]int{"cactus": 3, "succulent": 3, "fiddle-leaf-fig": 1}},
				{ID: "medium", Label: "Bright but indirect", Points: map[string]int{"monstera": 3, "pothos": 2, "spider-plant": 2}},
				{ID: "low", Label: "Mostly shade", Points: map[string]int{"snake-plant": 3, "peace-lily": 2, "fern": 1}},
			},
		},
		{
			ID:     "q-water",
			Prompt: "How often do you want to water?",
			Options: []domain.AnswerOption{
				{ID: "rarely", Label: "As rarely as possible", Points: map[string]int{"succulent": 3, "cactus": 3, "snake-plant": 2}},
				{ID: "weekly", Label: "Once a week is fine", Points: map[string]int{"pothos": 2, "monstera": 2, "spider-plant": 1}},
				{ID: "often", Label: "I enjoy a daily routine", Points: map[string]int{"fern": 3, "peace-lily": 2, "fiddle-leaf-fig": 1}},
			},
		},
		{
			ID:     "q-experience",
			Prompt: "How experienced are you with plants?",
			Options: []domain.AnswerOption{
				{ID: "beginner", Label: "This would be my first", Points: map[string]int{"snake-plant": 2, "pothos": 2, "succulent": 1}},
				{ID: "some", Label: "I have kept a few alive", Points: map[string]int{"monstera": 2, "peace-lily": 1}},
				{ID: "expert", Label: "My home is a jungle", Points: map[string]int{"fiddle-leaf-fig": 3, "fern": 1}},
			},
		},
		{
			ID:     "q-space",
			Prompt: "Where will the plant live?",
			Options: []domain.AnswerOption{
				{ID: "desk", Label: "A desk or windowsill", Points: map[string]int{"succulent": 2, "cactus": 2, "spider-plant": 1}},
				{ID: "floor", Label: "A roomy floor corner", Points: map[string]int{"monstera": 2, "fiddle-leaf-fig": 2}},
				{ID: "hanging", Label: "Hanging or on a shelf", Points: map[string]int{"pothos": 3, "spider-plant": 2}},
			},
		},
		{
			ID:     "q-pets",
			Prompt: "Do you share your home with pets?",
			Options: []domain.AnswerOption{
				{ID: "yes", Label: "Yes, curious ones", Points: map[string]int{"spider-plant": 3, "fern": 2}},
				{ID: "no", Label: "No pets", Points: map[string]int{"peace-lily": 1, "pothos": 1}},
			},
		},
	}
}

func seedOffers() []domain.OfferListing {
	now := time.Now().UTC()
	offers := []domain.OfferListing{
		{ID: "offer-gl-monstera", SellerID: "greenleaf", SellerName: "GreenLeaf Nursery", PlantKey: "monstera", PriceCents: 84900, Stock: 6, Latitude: 12.9716, Longitude: 77.5946, DeliveryTime: "1-2 days"},
		{ID: "offer-gl-snake", SellerID: "greenleaf", SellerName: "GreenLeaf Nursery", PlantKey: "snake-plant", PriceCents: 46900, Stock: 12, Latitude: 12.9716, Longitude: 77.5946, DeliveryTime: "1-2 days"},
		{ID: "offer-gl-pothos", SellerID: "greenleaf", SellerName: "GreenLeaf Nursery", PlantKey: "pothos", PriceCents: 31900, Stock: 20, Latitude: 12.9716, Longitude: 77.5946, DeliveryTime: "same day"},
		{ID: "offer-bb-monstera", SellerID: "bloombox", SellerName: "BloomBox Garden Centre", PlantKey: "monstera", PriceCents: 92900, Stock: 3, Latitude: 13.0827, Longitude: 77.7085, DeliveryTime: "2-3 days"},
		{ID: "offer-bb-fern", SellerID: "bloombox", SellerName: "BloomBox Garden Centre", PlantKey: "fern", PriceCents: 42900, Stock: 8, Latitude: 13.0827, Longitude: 77.7085, DeliveryTime: "2-3 days"},
		{ID: "offer-bb-fig", SellerID: "bloombox", SellerName: "BloomBox Garden Centre", PlantKey: "fiddle-leaf-fig", PriceCents: 119900, Stock: 0, Latitude: 13.0827, Longitude: 77.7085, DeliveryTime: "3-5 days"},
		{ID: "offer-sp-succulent", SellerID: "sproutly", SellerName: "Sproutly", PlantKey: "succulent", PriceCents: 21900, Stock: 30, Latitude: 12.9352, Longitude: 77.6245, DeliveryTime: "same day"},
		{ID: "offer-sp-cactus", SellerID: "sproutly", SellerName: "Sproutly", PlantKey: "cactus", PriceCents: 27900, Stock: 15, Latitude: 12.9352, Longitude: 77.6245, DeliveryTime: "same day"},
		{ID: "offer-sp-spider", SellerID: "sproutly", SellerName: "Sproutly", PlantKey: "spider-plant", PriceCents: 29900, Stock: 10, Latitude: 12.9352, Longitude: 77.6245, DeliveryTime: "1-2 days"},
	}
	for i := range offers {
		offers[i].UpdatedAt = now
	}
	return offers
}

func NewSeeded() *Store {
	plants := make(map[string]domain.PlantProfile)
	for _, p := range seedPlants() {
		plants[p.Key] = p
	}

	offers := make(map[string]domain.OfferListing)
	for _, o := range seedOffers() {
		offers[o.ID] = o
	}

	return &Store{
		plants:       plants,
		questions:    seedQuestions(),
		expertSignal: domain.ExpertSignal{QuestionID: "q-experience", OptionID: "expert"},
		offersByID:   offers,
		reservations: make(map[string]domain.Reservation),
		quizEvents:   make([]domain.QuizEvent, 0, 64),
		auditLogs:    make([]domain.AuditLog, 0, 128),
		usersByName:  seedUsers(),
	}
}

func (s *Store) ListPlants(_ context.Context) ([]domain.PlantProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plants := make([]domain.PlantProfile, 0, len(s.plants))
	for _, p := range s.plants {
		if p.Active {
			plants = append(plants, p)
		}
	}
	sort.Slice(plants, func(i, j int) bool { return plants[i].Key < plants[j].Key })
	return plants, nil
}

func (s *Store) GetPlantByKey(_ context.Context, key string) (*domain.PlantProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	plant, ok := s.plants[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &plant, nil
}

func (s *Store) CreatePlant(_ context.Context, plant domain.PlantProfile) (*domain.PlantProfile, error) {
	if plant.Key == "" || plant.Name == "" || plant.PriceCents < 1 {
		return nil, store.ErrInvalidInput
	}
	if plant.CareDifficulty < 1 || plant.CareDifficulty > 5 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.plants[plant.Key]; exists {
		return nil, store.ErrInvalidInput
	}
	plant.Active = true
	s.plants[plant.Key] = plant
	created := plant
	return &created, nil
}

func (s *Store) UpdatePlant(_ context.Context, plant domain.PlantProfile) (*domain.PlantProfile, error) {
	if plant.Key == "" || plant.Name == "" || plant.PriceCents < 1 {
		return nil, store.ErrInvalidInput
	}
	if plant.CareDifficulty < 1 || plant.CareDifficulty > 5 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.plants[plant.Key]; !exists {
		return nil, store.ErrNotFound
	}
	s.plants[plant.Key] = plant
	updated := plant
	return &updated, nil
}

func (s *Store) ListQuestions(_ context.Context) ([]domain.QuizQuestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	questions := make([]domain.QuizQuestion, len(s.questions))
	copy(questions, s.questions)
	return questions, nil
}

func (s *Store) GetExpertSignal(_ context.Context) (domain.ExpertSignal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expertSignal, nil
}

func (s *Store) ListOffersByPlant(_ context.Context, plantKey string) ([]domain.OfferListing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	offers := make([]domain.OfferListing, 0, 8)
	for _, o := range s.offersByID {
		if o.PlantKey == plantKey {
			offers = append(offers, o)
		}
	}
	sort.Slice(offers, func(i, j int) bool { return offers[i].ID < offers[j].ID })
	return offers, nil
}

func (s *Store) GetOfferByID(_ context.Context, offerID string) (*domain.OfferListing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	offer, ok := s.offersByID[offerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &offer, nil
}

func (s *Store) UpsertOffer(_ context.Context, listing domain.OfferListing) (*domain.OfferListing, error) {
	if listing.SellerID == "" || listing.PlantKey == "" || listing.PriceCents < 1 || listing.Stock < 0 {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.plants[listing.PlantKey]; !exists {
		return nil, store.ErrNotFound
	}

	// One listing per seller/plant pair.
	for id, existing := range s.offersByID {
		if existing.SellerID == listing.SellerID && existing.PlantKey == listing.PlantKey {
			listing.ID = id
			break
		}
	}
	if listing.ID == "" {
		listing.ID = xid.New("offer")
	}
	listing.UpdatedAt = time.Now().UTC()
	s.offersByID[listing.ID] = listing
	saved := listing
	return &saved, nil
}

func (s *Store) DecrementOfferStock(_ context.Context, offerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	offer, ok := s.offersByID[offerID]
	if !ok {
		return store.ErrNotFound
	}
	if offer.Stock < 1 {
		return store.ErrInsufficientStock
	}
	offer.Stock--
	s.offersByID[offerID] = offer
	return nil
}

func (s *Store) CreateReservation(_ context.Context, r domain.Reservation) (*domain.Reservation, error) {
	if r.ID == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.reservations[r.ID]; exists {
		return nil, store.ErrInvalidInput
	}
	s.reservations[r.ID] = r
	created := r
	return &created, nil
}

func (s *Store) GetReservationByID(_ context.Context, id string) (*domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reservations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &r, nil
}

// UpdateReservation replaces the record stored under oldID, but only while it
// is still in expectState. The guard serializes racing lifecycle transitions
// on the same reservation.
func (s *Store) UpdateReservation(_ context.Context, oldID string, expectState string, r domain.Reservation) (*domain.Reservation, error) {
	if r.ID == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.reservations[oldID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if existing.State != expectState {
		return nil, store.ErrStateConflict
	}
	if oldID != r.ID {
		delete(s.reservations, oldID)
	}
	s.reservations[r.ID] = r
	saved := r
	return &saved, nil
}

func (s *Store) ListReservationsBySeller(_ context.Context, sellerID string, limit int) ([]domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Reservation, 0, 16)
	for _, r := range s.reservations {
		if r.Offer.SellerID == sellerID {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		ti, tj := result[i].CreatedAt, result[j].CreatedAt
		if ti == nil || tj == nil {
			return result[i].ID < result[j].ID
		}
		return ti.After(*tj)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateQuizEvent(_ context.Context, event domain.QuizEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.ID == "" {
		event.ID = xid.New("qz")
	}
	s.quizEvents = append(s.quizEvents, event)
	return nil
}

func (s *Store) GetQuizMetrics(_ context.Context) (domain.QuizMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metrics := domain.QuizMetrics{TopPlants: make(map[string]int64)}
	experts := int64(0)
	for _, event := range s.quizEvents {
		metrics.Completions++
		if event.Expert {
			experts++
		}
		if event.PrimaryPlantKey != "" {
			metrics.TopPlants[event.PrimaryPlantKey]++
		}
	}
	if metrics.Completions > 0 {
		metrics.ExpertRate = float64(experts) / float64(metrics.Completions)
	}
	return metrics, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]domain.AuditLog, len(s.auditLogs))
	copy(logs, s.auditLogs)
	sort.Slice(logs, func(i, j int) bool { return logs[i].CreatedAt.After(logs[j].CreatedAt) })
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByName[username]; exists {
		return store.ErrInvalidInput
	}
	user.Username = username
	s.usersByName[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByName))
	for _, user := range s.usersByName {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByName[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByName[username] = user
	return nil
}
