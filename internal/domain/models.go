package domain

import "time"

// PlantProfile is static reference data for a plant archetype. The catalog
// supplier owns it; the backend only reads and serves it.
type PlantProfile struct {
	Key            string `json:"key"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	CareDifficulty int    `json:"care_difficulty"`
	PriceCents     int64  `json:"price_cents"`
	Active         bool   `json:"active"`
}

type PlantCreateRequest struct {
	Key            string `json:"key"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	CareDifficulty int    `json:"care_difficulty"`
	PriceCents     int64  `json:"price_cents"`
}

type PlantUpdateRequest struct {
	Name           *string `json:"name,omitempty"`
	Description    *string `json:"description,omitempty"`
	CareDifficulty *int    `json:"care_difficulty,omitempty"`
	PriceCents     *int64  `json:"price_cents,omitempty"`
	Active         *bool   `json:"active,omitempty"`
}

// AnswerOption is one selectable choice of a quiz question. Points maps plant
// keys to the non-negative weight this choice contributes to their score.
type AnswerOption struct {
	ID     string         `json:"id"`
	Label  string         `json:"label"`
	Points map[string]int `json:"points"`
}

type QuizQuestion struct {
	ID      string         `json:"id"`
	Prompt  string         `json:"prompt"`
	Options []AnswerOption `json:"options"`
}

// ExpertSignal names the question/option pair that marks a respondent as
// experienced. The question bank supplier defines it.
type ExpertSignal struct {
	QuestionID string `json:"question_id"`
	OptionID   string `json:"option_id"`
}

// QuizResponse maps question ids to the chosen option id. Re-answering a
// question overwrites the earlier choice; each question counts once.
type QuizResponse map[string]string

type ScoredRecommendation struct {
	Plant           PlantProfile `json:"plant"`
	Score           int          `json:"score"`
	MatchPercentage int          `json:"match_percentage"`
}

type QuizScoreRequest struct {
	Answers QuizResponse `json:"answers"`
}

type QuizScoreResponse struct {
	Recommendations []ScoredRecommendation `json:"recommendations"`
	Expert          bool                   `json:"expert"`
	LatencyMS       int64                  `json:"latency_ms"`
}

// SellerOffer is a seller's listing of a plant near a requester. DistanceKm
// is relative to the requester's coordinates and computed by the host; the
// decision core treats it as given.
type SellerOffer struct {
	ID           string  `json:"id"`
	SellerID     string  `json:"seller_id"`
	SellerName   string  `json:"seller_name"`
	PlantKey     string  `json:"plant_key"`
	PriceCents   int64   `json:"price_cents"`
	Stock        int     `json:"stock"`
	DistanceKm   float64 `json:"distance_km"`
	DeliveryTime string  `json:"delivery_time"`
	DeliveryOK   bool    `json:"delivery_ok"`
}

// OfferListing is the persisted form of an offer, positioned by seller
// coordinates rather than a requester-relative distance.
type OfferListing struct {
	ID           string    `json:"id"`
	SellerID     string    `json:"seller_id"`
	SellerName   string    `json:"seller_name"`
	PlantKey     string    `json:"plant_key"`
	PriceCents   int64     `json:"price_cents"`
	Stock        int       `json:"stock"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	DeliveryTime string    `json:"delivery_time"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type OfferUpsertRequest struct {
	PlantKey     string  `json:"plant_key"`
	PriceCents   int64   `json:"price_cents"`
	Stock        int     `json:"stock"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	DeliveryTime string  `json:"delivery_time"`
}

type OfferListResponse struct {
	PlantKey string        `json:"plant_key"`
	Offers   []SellerOffer `json:"offers"`
}

type ContactInfo struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email,omitempty"`
}

// TimeSlot is a pickup window on a given date. Availability enumeration is
// the host UI's concern; the backend only checks presence and that the
// window starts in the future.
type TimeSlot struct {
	Date   string `json:"date"`
	Window string `json:"window"`
}

type Reservation struct {
	ID        string      `json:"id,omitempty"`
	PlantKey  string      `json:"plant_key"`
	Offer     SellerOffer `json:"offer"`
	Mode      string      `json:"mode"`
	State     string      `json:"state"`
	Contact   ContactInfo `json:"contact"`
	Slot      *TimeSlot   `json:"slot,omitempty"`
	CreatedAt *time.Time  `json:"created_at,omitempty"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`
}

type ReservationBeginRequest struct {
	PlantKey  string  `json:"plant_key"`
	OfferID   string  `json:"offer_id"`
	Mode      string  `json:"mode"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type ReservationConfirmRequest struct {
	Contact ContactInfo `json:"contact"`
	Slot    *TimeSlot   `json:"slot,omitempty"`
}

type ReservationResponse struct {
	Reservation Reservation `json:"reservation"`
	Expired     bool        `json:"expired"`
}

// ReservationConfirmedEvent is handed to the notification collaborator after
// a successful confirmation. The backend never sends SMS/email itself.
type ReservationConfirmedEvent struct {
	EventID     string      `json:"event_id"`
	Reservation Reservation `json:"reservation"`
	OccurredAt  time.Time   `json:"occurred_at"`
}

// QuizEvent records a completed scoring run for the metrics endpoint.
type QuizEvent struct {
	ID              string
	PrimaryPlantKey string
	Score           int
	MatchPercentage int
	Expert          bool
	Recommended     int
	LatencyMS       int64
	CreatedAt       time.Time
}

type QuizMetrics struct {
	Completions int64            `json:"completions"`
	ExpertRate  float64          `json:"expert_rate"`
	TopPlants   map[string]int64 `json:"top_plants"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type SellerCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type SellerUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	ModePickup   = "pickup"
	ModeDelivery = "delivery"
)

const (
	ReservationPending   = "pending"
	ReservationConfirmed = "confirmed"
	ReservationCancelled = "cancelled"
	ReservationExpired   = "expired"
)

const (
	RoleAdmin  = "admin"
	RoleSeller = "seller"
)
