package database

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

type txContextKey string

const txKey = txContextKey("tx-context-key")

// Conn returns the transaction carried by ctx, or db when there is none.
func Conn(ctx context.Context, db Queryer) Queryer {
	if tx, ok := ctx.Value(txKey).(*sqlx.Tx); ok && tx != nil {
		return tx
	}
	return db
}

// InTx reports whether ctx carries an open transaction.
func InTx(ctx context.Context) bool {
	tx, ok := ctx.Value(txKey).(*sqlx.Tx)
	return ok && tx != nil
}

// WithTx runs fn inside a transaction carried on the context. Nested calls join the outer
// transaction, which is committed or rolled back only by the outermost call.
func WithTx(ctx context.Context, db DB, fn func(ctx context.Context) error) (err error) {
	if InTx(ctx) {
		return fn(ctx)
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		db.Logger().WithContext(ctx).WithError(err).Error("error while beginning transaction")
		return fmt.Errorf("error while beginning transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				db.Logger().WithContext(ctx).WithError(rbErr).Error("error while rolling back transaction")
			}
			return
		}
		if cErr := tx.Commit(); cErr != nil {
			db.Logger().WithContext(ctx).WithError(cErr).Error("error while committing transaction")
			err = fmt.Errorf("error while committing transaction: %w", cErr)
		}
	}()

	return fn(context.WithValue(ctx, txKey, tx))
}
