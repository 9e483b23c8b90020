package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"

	"github.com/digkill/AIImageBot/internal/apperr"
)

// MySQL server error numbers the ledger cares about.
const (
	errDupEntry        = 1062
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
	errNoReferencedRow = 1452
)

// classify maps driver errors onto the ledger taxonomy. Deadlock victims and
// lock wait timeouts roll back the statement, so they are safe to retry.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case errDupEntry:
			return apperr.New(apperr.KindDuplicateReference, op, err)
		case errNoReferencedRow:
			return apperr.New(apperr.KindNotFound, op, err)
		case errDeadlock, errLockWaitTimeout:
			return apperr.Storage(op, err, true)
		}
	}
	return apperr.Storage(op, err, false)
}
