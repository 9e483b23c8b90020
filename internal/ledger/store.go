package ledger

import (
	"context"
	"time"

	"github.com/digkill/AIImageBot/internal/models"
)

// Store is the persistence contract behind the Ledger. Lookups return
// (nil, nil) for missing rows. Mutations that need atomicity (DebitCredit,
// InsertTransaction, TransitionTransaction) must be single transactions in
// the backend; errors are classified with apperr.
type Store interface {
	InsertUserIfAbsent(ctx context.Context, u *models.User) (bool, error)
	UpdateProfile(ctx context.Context, p models.Profile, at time.Time) error
	TouchActivity(ctx context.Context, userID int64, at time.Time) error
	GetUser(ctx context.Context, userID int64) (*models.User, error)
	DebitCredit(ctx context.Context, userID int64) (bool, error)
	AddCredits(ctx context.Context, userID int64, amount int) (bool, error)
	SetSubscription(ctx context.Context, userID int64, end time.Time) (bool, error)
	ListUserIDs(ctx context.Context) ([]int64, error)

	InsertTransaction(ctx context.Context, t *models.Transaction) (int64, error)
	GetTransaction(ctx context.Context, id int64) (*models.Transaction, error)
	GetTransactionByReference(ctx context.Context, ref string) (*models.Transaction, error)
	TransitionTransaction(ctx context.Context, id int64, to models.TransactionStatus, at time.Time) (*models.Transaction, error)
	ListTransactionsByStatus(ctx context.Context, status models.TransactionStatus, limit int) ([]models.Transaction, error)

	InsertGeneration(ctx context.Context, g *models.Generation) (int64, error)
	Stats(ctx context.Context, now time.Time) (models.Stats, error)
}
