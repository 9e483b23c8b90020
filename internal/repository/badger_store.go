package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/digkill/AIImageBot/internal/apperr"
	"github.com/digkill/AIImageBot/internal/models"
)

const lockStripes = 64

var (
	userPrefix = []byte("user/")
	txnPrefix  = []byte("txn/")
	genPrefix  = []byte("gen/")
)

func userKey(id int64) []byte { return []byte(fmt.Sprintf("user/%020d", id)) }
func txnKey(id int64) []byte { return []byte(fmt.Sprintf("txn/%020d", id)) }
func txnRefKey(ref string) []byte { return []byte("txnref/" + ref) }
func generationKey(id int64) []byte { return []byte(fmt.Sprintf("gen/%020d", id)) }

type BadgerConfig struct {
	// Path is ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     *slog.Logger
}

// badgerLogger adapts slog.Logger to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// BadgerStore is the embedded single-node ledger backend. Writes for one user
// are serialized by a lock stripe shared by every user id with the same
// remainder; badger's conflict detection covers the rest, and a conflict is
// reported as a retryable storage error.
type BadgerStore struct {
	db      *badger.DB
	txnSeq  *badger.Sequence
	genSeq  *badger.Sequence
	stripes [lockStripes]chan struct{}
}

func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger path is required for persistent ledger")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	txnSeq, err := db.GetSequence([]byte("seq/txn"), 100)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("transaction sequence: %w", err)
	}
	genSeq, err := db.GetSequence([]byte("seq/gen"), 100)
	if err != nil {
		txnSeq.Release()
		db.Close()
		return nil, fmt.Errorf("generation sequence: %w", err)
	}
	s := &BadgerStore{db: db, txnSeq: txnSeq, genSeq: genSeq}
	for i := range s.stripes {
		s.stripes[i] = make(chan struct{}, 1)
	}
	return s, nil
}

func (s *BadgerStore) Close() error {
	var errs []error
	if err := s.txnSeq.Release(); err != nil {
		errs = append(errs, err)
	}
	if err := s.genSeq.Release(); err != nil {
		errs = append(errs, err)
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// lockUser waits for the user's stripe until ctx is done. Giving up applies
// nothing, so the error is transient.
func (s *BadgerStore) lockUser(ctx context.Context, op string, userID int64) (func(), error) {
	idx := userID % lockStripes
	if idx < 0 {
		idx = -idx
	}
	slot := s.stripes[idx]
	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, apperr.Storage(op, fmt.Errorf("wait for user lock: %w", ctx.Err()), true)
	}
}

// nextID maps badger's zero-based sequence onto one-based ids.
func nextID(seq *badger.Sequence) (int64, error) {
	n, err := seq.Next()
	if err != nil {
		return 0, err
	}
	return int64(n) + 1, nil
}

func wrapBadger(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.Storage(op, err, errors.Is(err, badger.ErrConflict))
}

func getJSON(txn *badger.Txn, key []byte, v any) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set(key, raw)
}

// updateUser loads the user under the stripe lock, applies fn and stores the
// result when fn reports a change. found is false for unknown users.
func (s *BadgerStore) updateUser(ctx context.Context, op string, userID int64, fn func(u *models.User) bool) (found, changed bool, err error) {
	unlock, err := s.lockUser(ctx, op, userID)
	if err != nil {
		return false, false, err
	}
	defer unlock()

	err = s.db.Update(func(txn *badger.Txn) error {
		var u models.User
		ok, err := getJSON(txn, userKey(userID), &u)
		if err != nil || !ok {
			return err
		}
		found = true
		if !fn(&u) {
			return nil
		}
		changed = true
		return setJSON(txn, userKey(userID), &u)
	})
	if err != nil {
		return false, false, wrapBadger(op, err)
	}
	return found, changed, nil
}

func (s *BadgerStore) InsertUserIfAbsent(ctx context.Context, u *models.User) (bool, error) {
	unlock, err := s.lockUser(ctx, "insert user", u.UserID)
	if err != nil {
		return false, err
	}
	defer unlock()

	created := false
	err = s.db.Update(func(txn *badger.Txn) error {
		var existing models.User
		ok, err := getJSON(txn, userKey(u.UserID), &existing)
		if err != nil || ok {
			return err
		}
		created = true
		return setJSON(txn, userKey(u.UserID), u)
	})
	if err != nil {
		return false, wrapBadger("insert user", err)
	}
	return created, nil
}

func (s *BadgerStore) UpdateProfile(ctx context.Context, p models.Profile, at time.Time) error {
	_, _, err := s.updateUser(ctx, "update profile", p.UserID, func(u *models.User) bool {
		u.Username, u.FirstName, u.LastName = p.Username, p.FirstName, p.LastName
		u.LastActiveAt = at
		return true
	})
	return err
}

func (s *BadgerStore) TouchActivity(ctx context.Context, userID int64, at time.Time) error {
	_, _, err := s.updateUser(ctx, "touch activity", userID, func(u *models.User) bool {
		u.LastActiveAt = at
		return true
	})
	return err
}

func (s *BadgerStore) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	var u models.User
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, userKey(userID), &u)
		return err
	})
	if err != nil {
		return nil, wrapBadger("get user", err)
	}
	if !found {
		return nil, nil
	}
	return &u, nil
}

func (s *BadgerStore) DebitCredit(ctx context.Context, userID int64) (bool, error) {
	_, changed, err := s.updateUser(ctx, "consume credit", userID, func(u *models.User) bool {
		if u.Credits <= 0 {
			return false
		}
		u.Credits--
		return true
	})
	return changed, err
}

func (s *BadgerStore) AddCredits(ctx context.Context, userID int64, amount int) (bool, error) {
	found, _, err := s.updateUser(ctx, "add credits", userID, func(u *models.User) bool {
		u.Credits += amount
		return true
	})
	return found, err
}

func (s *BadgerStore) SetSubscription(ctx context.Context, userID int64, end time.Time) (bool, error) {
	found, _, err := s.updateUser(ctx, "set subscription", userID, func(u *models.User) bool {
		u.SubscriptionActive = true
		u.SubscriptionEndDate = &end
		return true
	})
	return found, err
}

func (s *BadgerStore) ListUserIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.db.View(func(txn *badger.Txn) error {
		return eachValue(txn, userPrefix, func(raw []byte) error {
			var u models.User
			if err := json.Unmarshal(raw, &u); err != nil {
				return err
			}
			ids = append(ids, u.UserID)
			return nil
		})
	})
	if err != nil {
		return nil, wrapBadger("list user ids", err)
	}
	return ids, nil
}

func (s *BadgerStore) InsertTransaction(ctx context.Context, t *models.Transaction) (int64, error) {
	unlock, err := s.lockUser(ctx, "insert transaction", t.UserID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	id, err := nextID(s.txnSeq)
	if err != nil {
		return 0, wrapBadger("transaction id", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		var u models.User
		ok, err := getJSON(txn, userKey(t.UserID), &u)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Newf(apperr.KindNotFound, "insert transaction", "user %d", t.UserID).WithUser(t.UserID)
		}
		_, err = txn.Get(txnRefKey(t.ExternalReference))
		switch {
		case err == nil:
			return apperr.New(apperr.KindDuplicateReference, "insert transaction", nil).WithReference(t.ExternalReference)
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		row := *t
		row.ID = id
		if err := setJSON(txn, txnKey(id), &row); err != nil {
			return err
		}
		return txn.Set(txnRefKey(t.ExternalReference), []byte(fmt.Sprintf("%d", id)))
	})
	if err != nil {
		return 0, wrapBadger("insert transaction", err)
	}
	t.ID = id
	return id, nil
}

func (s *BadgerStore) GetTransaction(ctx context.Context, id int64) (*models.Transaction, error) {
	var t models.Transaction
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = getJSON(txn, txnKey(id), &t)
		return err
	})
	if err != nil {
		return nil, wrapBadger("get transaction", err)
	}
	if !found {
		return nil, nil
	}
	return &t, nil
}

func (s *BadgerStore) GetTransactionByReference(ctx context.Context, ref string) (*models.Transaction, error) {
	var t models.Transaction
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(txnRefKey(ref))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		var id int64
		if _, err := fmt.Sscanf(string(raw), "%d", &id); err != nil {
			return fmt.Errorf("decode reference index: %w", err)
		}
		found, err = getJSON(txn, txnKey(id), &t)
		return err
	})
	if err != nil {
		return nil, wrapBadger("get transaction by reference", err)
	}
	if !found {
		return nil, nil
	}
	return &t, nil
}

func (s *BadgerStore) TransitionTransaction(ctx context.Context, id int64, to models.TransactionStatus, at time.Time) (*models.Transaction, error) {
	var t models.Transaction
	err := s.db.Update(func(txn *badger.Txn) error {
		ok, err := getJSON(txn, txnKey(id), &t)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Newf(apperr.KindNotFound, "update transaction status", "transaction %d", id)
		}
		if !t.Status.CanTransition(to) {
			return apperr.Newf(apperr.KindInvalidTransition, "update transaction status", "%s -> %s", t.Status, to).
				WithUser(t.UserID).WithReference(t.ExternalReference)
		}
		t.Status = to
		t.UpdatedAt = at
		return setJSON(txn, txnKey(id), &t)
	})
	if err != nil {
		return nil, wrapBadger("update transaction status", err)
	}
	return &t, nil
}

func (s *BadgerStore) ListTransactionsByStatus(ctx context.Context, status models.TransactionStatus, limit int) ([]models.Transaction, error) {
	var out []models.Transaction
	errLimit := errors.New("limit reached")
	err := s.db.View(func(txn *badger.Txn) error {
		return eachValue(txn, txnPrefix, func(raw []byte) error {
			var t models.Transaction
			if err := json.Unmarshal(raw, &t); err != nil {
				return err
			}
			if t.Status != status {
				return nil
			}
			out = append(out, t)
			if limit > 0 && len(out) >= limit {
				return errLimit
			}
			return nil
		})
	})
	if err != nil && !errors.Is(err, errLimit) {
		return nil, wrapBadger("list transactions", err)
	}
	return out, nil
}

func (s *BadgerStore) InsertGeneration(ctx context.Context, g *models.Generation) (int64, error) {
	id, err := nextID(s.genSeq)
	if err != nil {
		return 0, wrapBadger("generation id", err)
	}
	row := *g
	row.ID = id
	err = s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, generationKey(id), &row)
	})
	if err != nil {
		return 0, wrapBadger("insert generation", err)
	}
	g.ID = id
	return id, nil
}

func (s *BadgerStore) Stats(ctx context.Context, now time.Time) (models.Stats, error) {
	var st models.Stats
	err := s.db.View(func(txn *badger.Txn) error {
		if err := eachValue(txn, userPrefix, func(raw []byte) error {
			var u models.User
			if err := json.Unmarshal(raw, &u); err != nil {
				return err
			}
			st.TotalUsers++
			if u.Subscribed(now) {
				st.ActiveSubscribers++
			}
			return nil
		}); err != nil {
			return err
		}
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = genPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(genPrefix); it.ValidForPrefix(genPrefix); it.Next() {
			st.TotalGenerations++
		}
		return nil
	})
	if err != nil {
		return models.Stats{}, wrapBadger("stats", err)
	}
	return st, nil
}

func eachValue(txn *badger.Txn, prefix []byte, fn func(raw []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}
