package store

import (
	"context"
	"errors"

	"leafmatch/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidInput      = errors.New("invalid input")
	ErrStateConflict     = errors.New("state conflict")
)

type Repository interface {
	ListPlants(ctx context.Context) ([]domain.PlantProfile, error)
	GetPlantByKey(ctx context.Context, key string) (*domain.PlantProfile, error)
	CreatePlant(ctx context.Context, plant domain.PlantProfile) (*domain.PlantProfile, error)
	UpdatePlant(ctx context.Context, plant domain.PlantProfile) (*domain.PlantProfile, error)
	ListQuestions(ctx context.Context) ([]domain.QuizQuestion, error)
	GetExpertSignal(ctx context.Context) (domain.ExpertSignal, error)
	ListOffersByPlant(ctx context.Context, plantKey string) ([]domain.OfferListing, error)
	GetOfferByID(ctx context.Context, offerID string) (*domain.OfferListing, error)
	UpsertOffer(ctx context.Context, listing domain.OfferListing) (*domain.OfferListing, error)
	DecrementOfferStock(ctx context.Context, offerID string) error
	CreateReservation(ctx context.Context, r domain.Reservation) (*domain.Reservation, error)
	GetReservationByID(ctx context.Context, id string) (*domain.Reservation, error)
	UpdateReservation(ctx context.Context, oldID string, expectState string, r domain.Reservation) (*domain.Reservation, error)
	ListReservationsBySeller(ctx context.Context, sellerID string, limit int) ([]domain.Reservation, error)
	CreateQuizEvent(ctx context.Context, event domain.QuizEvent) error
	GetQuizMetrics(ctx context.Context) (domain.QuizMetrics, error)
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
