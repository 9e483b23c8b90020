package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/digkill/AIImageBot/internal/models"
)

// MySQLStore backs the ledger with the users, transactions and generations
// tables. Row locks and unique indexes provide the atomicity guarantees.
type MySQLStore struct {
	Users        *UserRepository
	Transactions *TransactionRepository
	Generations  *GenerationRepository
}

func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{
		Users:        NewUserRepository(db),
		Transactions: NewTransactionRepository(db),
		Generations:  NewGenerationRepository(db),
	}
}

func (s *MySQLStore) InsertUserIfAbsent(ctx context.Context, u *models.User) (bool, error) {
	return s.Users.InsertIfAbsent(ctx, u)
}

func (s *MySQLStore) UpdateProfile(ctx context.Context, p models.Profile, at time.Time) error {
	return s.Users.UpdateProfile(ctx, p, at)
}

func (s *MySQLStore) TouchActivity(ctx context.Context, userID int64, at time.Time) error {
	return s.Users.TouchActivity(ctx, userID, at)
}

func (s *MySQLStore) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	return s.Users.FindByID(ctx, userID)
}

func (s *MySQLStore) DebitCredit(ctx context.Context, userID int64) (bool, error) {
	return s.Users.ConsumeCredit(ctx, userID)
}

func (s *MySQLStore) AddCredits(ctx context.Context, userID int64, amount int) (bool, error) {
	return s.Users.AddCredits(ctx, userID, amount)
}

func (s *MySQLStore) SetSubscription(ctx context.Context, userID int64, end time.Time) (bool, error) {
	return s.Users.SetSubscription(ctx, userID, end)
}

func (s *MySQLStore) ListUserIDs(ctx context.Context) ([]int64, error) {
	return s.Users.ListIDs(ctx)
}

func (s *MySQLStore) InsertTransaction(ctx context.Context, t *models.Transaction) (int64, error) {
	return s.Transactions.Create(ctx, t)
}

func (s *MySQLStore) GetTransaction(ctx context.Context, id int64) (*models.Transaction, error) {
	return s.Transactions.FindByID(ctx, id)
}

func (s *MySQLStore) GetTransactionByReference(ctx context.Context, ref string) (*models.Transaction, error) {
	return s.Transactions.FindByReference(ctx, ref)
}

func (s *MySQLStore) TransitionTransaction(ctx context.Context, id int64, to models.TransactionStatus, at time.Time) (*models.Transaction, error) {
	return s.Transactions.Transition(ctx, id, to, at)
}

func (s *MySQLStore) ListTransactionsByStatus(ctx context.Context, status models.TransactionStatus, limit int) ([]models.Transaction, error) {
	return s.Transactions.ListByStatus(ctx, status, limit)
}

func (s *MySQLStore) InsertGeneration(ctx context.Context, g *models.Generation) (int64, error) {
	return s.Generations.Create(ctx, g)
}

func (s *MySQLStore) Stats(ctx context.Context, now time.Time) (models.Stats, error) {
	total, subscribers, err := s.Users.Counts(ctx, now)
	if err != nil {
		return models.Stats{}, err
	}
	gens, err := s.Generations.Count(ctx)
	if err != nil {
		return models.Stats{}, err
	}
	return models.Stats{TotalUsers: total, ActiveSubscribers: subscribers, TotalGenerations: gens}, nil
}
