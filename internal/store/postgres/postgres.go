package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"leafmatch/internal/domain"
	"leafmatch/internal/store"
	"leafmatch/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListPlants(ctx context.Context) ([]domain.PlantProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, name, description, care_difficulty, price_cents, active
		FROM plants
		WHERE active = true
		ORDER BY key
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	plants := make([]domain.PlantProfile, 0, 32)
	for rows.Next() {
		var p domain.PlantProfile
		if err := rows.Scan(&p.Key, &p.Name, &p.Description, &p.CareDifficulty, &p.PriceCents, &p.Active); err != nil {
			return nil, err
		}
		plants = append(plants, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return plants, nil
}

func (s *Store) GetPlantByKey(ctx context.Context, key string) (*domain.PlantProfile, error) {
	var p domain.PlantProfile
	err := s.db.QueryRowContext(ctx, `
		SELECT key, name, description, care_difficulty, price_cents, active
		FROM plants
		WHERE key = $1
	`, key).Scan(&p.Key, &p.Name, &p.Description, &p.CareDifficulty, &p.PriceCents, &p.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) CreatePlant(ctx context.Context, plant domain.PlantProfile) (*domain.PlantProfile, error) {
	if plant.Key == "" || plant.Name == "" || plant.PriceCents < 1 {
		return nil, store.ErrInvalidInput
	}
	if plant.CareDifficulty < 1 || plant.CareDifficulty > 5 {
		return nil, store.ErrInvalidInput
	}

	plant.Active = true
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plants (key, name, description, care_difficulty, price_cents, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now(),now())
	`, plant.Key, plant.Name, plant.Description, plant.CareDifficulty, plant.PriceCents, plant.Active)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}

	created := plant
	return &created, nil
}

func (s *Store) UpdatePlant(ctx context.Context, plant domain.PlantProfile) (*domain.PlantProfile, error) {
	if plant.Key == "" || plant.Name == "" || plant.PriceCents < 1 {
		return nil, store.ErrInvalidInput
	}
	if plant.CareDifficulty < 1 || plant.CareDifficulty > 5 {
		return nil, store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE plants
		SET name = $2, description = $3, care_difficulty = $4, price_cents = $5, active = $6, updated_at = now()
		WHERE key = $1
	`, plant.Key, plant.Name, plant.Description, plant.CareDifficulty, plant.PriceCents, plant.Active)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	updated := plant
	return &updated, nil
}

func (s *Store) ListQuestions(ctx context.Context) ([]domain.QuizQuestion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, prompt, options
		FROM quiz_questions
		ORDER BY position
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	questions := make([]domain.QuizQuestion, 0, 16)
	for rows.Next() {
		var q domain.QuizQuestion
		var optionsJSON []byte
		if err := rows.Scan(&q.ID, &q.Prompt, &optionsJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(optionsJSON, &q.Options); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return questions, nil
}

func (s *Store) GetExpertSignal(ctx context.Context) (domain.ExpertSignal, error) {
	var signal domain.ExpertSignal
	err := s.db.QueryRowContext(ctx, `
		SELECT expert_question_id, expert_option_id
		FROM quiz_config
		LIMIT 1
	`).Scan(&signal.QuestionID, &signal.OptionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ExpertSignal{}, nil
		}
		return domain.ExpertSignal{}, err
	}
	return signal, nil
}

func (s *Store) ListOffersByPlant(ctx context.Context, plantKey string) ([]domain.OfferListing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, seller_id, seller_name, plant_key, price_cents, stock, latitude, longitude, delivery_time, updated_at
		FROM offers
		WHERE plant_key = $1
		ORDER BY id
	`, plantKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	offers := make([]domain.OfferListing, 0, 8)
	for rows.Next() {
		var o domain.OfferListing
		if err := rows.Scan(&o.ID, &o.SellerID, &o.SellerName, &o.PlantKey, &o.PriceCents, &o.Stock, &o.Latitude, &o.Longitude, &o.DeliveryTime, &o.UpdatedAt); err != nil {
			return nil, err
		}
		offers = append(offers, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return offers, nil
}

func (s *Store) GetOfferByID(ctx context.Context, offerID string) (*domain.OfferListing, error) {
	var o domain.OfferListing
	err := s.db.QueryRowContext(ctx, `
		SELECT id, seller_id, seller_name, plant_key, price_cents, stock, latitude, longitude, delivery_time, updated_at
		FROM offers
		WHERE id = $1
	`, offerID).Scan(&o.ID, &o.SellerID, &o.SellerName, &o.PlantKey, &o.PriceCents, &o.Stock, &o.Latitude, &o.Longitude, &o.DeliveryTime, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

func (s *Store) UpsertOffer(ctx context.Context, listing domain.OfferListing) (*domain.OfferListing, error) {
	if listing.SellerID == "" || listing.PlantKey == "" || listing.PriceCents < 1 || listing.Stock < 0 {
		return nil, store.ErrInvalidInput
	}

	if listing.ID == "" {
		listing.ID = xid.New("offer")
	}
	listing.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO offers (id, seller_id, seller_name, plant_key, price_cents, stock, latitude, longitude, delivery_time, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (seller_id, plant_key) DO UPDATE
		SET seller_name = EXCLUDED.seller_name,
		    price_cents = EXCLUDED.price_cents,
		    stock = EXCLUDED.stock,
		    latitude = EXCLUDED.latitude,
		    longitude = EXCLUDED.longitude,
		    delivery_time = EXCLUDED.delivery_time,
		    updated_at = EXCLUDED.updated_at
	`, listing.ID, listing.SellerID, listing.SellerName, listing.PlantKey, listing.PriceCents, listing.Stock, listing.Latitude, listing.Longitude, listing.DeliveryTime, listing.UpdatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	// The upsert may have kept an existing row id; read it back.
	var saved domain.OfferListing
	err = s.db.QueryRowContext(ctx, `
		SELECT id, seller_id, seller_name, plant_key, price_cents, stock, latitude, longitude, delivery_time, updated_at
		FROM offers
		WHERE seller_id = $1 AND plant_key = $2
	`, listing.SellerID, listing.PlantKey).Scan(&saved.ID, &saved.SellerID, &saved.SellerName, &saved.PlantKey, &saved.PriceCents, &saved.Stock, &saved.Latitude, &saved.Longitude, &saved.DeliveryTime, &saved.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

// DecrementOfferStock performs the conditional update that serializes
// concurrent confirmations against the same offer.
func (s *Store) DecrementOfferStock(ctx context.Context, offerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE offers
		SET stock = stock - 1, updated_at = now()
		WHERE id = $1 AND stock > 0
	`, offerID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		if _, getErr := s.GetOfferByID(ctx, offerID); errors.Is(getErr, store.ErrNotFound) {
			return store.ErrNotFound
		}
		return store.ErrInsufficientStock
	}
	return nil
}

func (s *Store) CreateReservation(ctx context.Context, r domain.Reservation) (*domain.Reservation, error) {
	if r.ID == "" {
		return nil, store.ErrInvalidInput
	}

	offerJSON, err := json.Marshal(r.Offer)
	if err != nil {
		return nil, err
	}
	contactJSON, err := json.Marshal(r.Contact)
	if err != nil {
		return nil, err
	}
	slotJSON, err := marshalNullable(r.Slot)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reservations (id, plant_key, offer, mode, state, contact, slot, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, r.ID, r.PlantKey, offerJSON, r.Mode, r.State, contactJSON, slotJSON, r.CreatedAt, r.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}

	created := r
	return &created, nil
}

func (s *Store) GetReservationByID(ctx context.Context, id string) (*domain.Reservation, error) {
	var r domain.Reservation
	var offerJSON, contactJSON []byte
	var slotJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, plant_key, offer, mode, state, contact, slot, created_at, expires_at
		FROM reservations
		WHERE id = $1
	`, id).Scan(&r.ID, &r.PlantKey, &offerJSON, &r.Mode, &r.State, &contactJSON, &slotJSON, &r.CreatedAt, &r.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal(offerJSON, &r.Offer); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(contactJSON, &r.Contact); err != nil {
		return nil, err
	}
	if len(slotJSON) > 0 {
		if err := json.Unmarshal(slotJSON, &r.Slot); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

// UpdateReservation replaces the row identified by oldID, but only while it
// is still in expectState. The state predicate serializes racing lifecycle
// transitions on the same reservation.
func (s *Store) UpdateReservation(ctx context.Context, oldID string, expectState string, r domain.Reservation) (*domain.Reservation, error) {
	if r.ID == "" {
		return nil, store.ErrInvalidInput
	}

	offerJSON, err := json.Marshal(r.Offer)
	if err != nil {
		return nil, err
	}
	contactJSON, err := json.Marshal(r.Contact)
	if err != nil {
		return nil, err
	}
	slotJSON, err := marshalNullable(r.Slot)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE reservations
		SET id = $3, plant_key = $4, offer = $5, mode = $6, state = $7, contact = $8, slot = $9, created_at = $10, expires_at = $11
		WHERE id = $1 AND state = $2
	`, oldID, expectState, r.ID, r.PlantKey, offerJSON, r.Mode, r.State, contactJSON, slotJSON, r.CreatedAt, r.ExpiresAt)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		var current string
		err := s.db.QueryRowContext(ctx, `
			SELECT state
			FROM reservations
			WHERE id = $1
		`, oldID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		return nil, store.ErrStateConflict
	}

	saved := r
	return &saved, nil
}

func (s *Store) ListReservationsBySeller(ctx context.Context, sellerID string, limit int) ([]domain.Reservation, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plant_key, offer, mode, state, contact, slot, created_at, expires_at
		FROM reservations
		WHERE offer->>'seller_id' = $1
		ORDER BY created_at DESC NULLS LAST
		LIMIT $2
	`, sellerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reservations := make([]domain.Reservation, 0, limit)
	for rows.Next() {
		var r domain.Reservation
		var offerJSON, contactJSON, slotJSON []byte
		if err := rows.Scan(&r.ID, &r.PlantKey, &offerJSON, &r.Mode, &r.State, &contactJSON, &slotJSON, &r.CreatedAt, &r.ExpiresAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(offerJSON, &r.Offer); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(contactJSON, &r.Contact); err != nil {
			return nil, err
		}
		if len(slotJSON) > 0 {
			if err := json.Unmarshal(slotJSON, &r.Slot); err != nil {
				return nil, err
			}
		}
		reservations = append(reservations, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return reservations, nil
}

func (s *Store) CreateQuizEvent(ctx context.Context, event domain.QuizEvent) error {
	if event.ID == "" {
		event.ID = xid.New("qz")
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quiz_events (id, primary_plant_key, score, match_percentage, expert, recommended, latency_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, event.ID, event.PrimaryPlantKey, event.Score, event.MatchPercentage, event.Expert, event.Recommended, event.LatencyMS, event.CreatedAt)
	return err
}

func (s *Store) GetQuizMetrics(ctx context.Context) (domain.QuizMetrics, error) {
	metrics := domain.QuizMetrics{TopPlants: make(map[string]int64)}

	var experts int64
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*), count(*) FILTER (WHERE expert)
		FROM quiz_events
	`).Scan(&metrics.Completions, &experts)
	if err != nil {
		return domain.QuizMetrics{}, err
	}
	if metrics.Completions > 0 {
		metrics.ExpertRate = float64(experts) / float64(metrics.Completions)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT primary_plant_key, count(*)
		FROM quiz_events
		WHERE primary_plant_key <> ''
		GROUP BY primary_plant_key
	`)
	if err != nil {
		return domain.QuizMetrics{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			return domain.QuizMetrics{}, err
		}
		metrics.TopPlants[key] = count
	}
	if err := rows.Err(); err != nil {
		return domain.QuizMetrics{}, err
	}

	return metrics, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	if user.Username == "" {
		return store.ErrInvalidInput
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return store.ErrInvalidInput
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET password = $2
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func marshalNullable(slot *domain.TimeSlot) ([]byte, error) {
	if slot == nil {
		return nil, nil
	}
	return json.Marshal(slot)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
