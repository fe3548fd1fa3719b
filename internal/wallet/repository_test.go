package wallet

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestMapPgError(t *testing.T) {
	cases := []struct {
		name string
		err  *pgconn.PgError
		want error
	}{
		{"unique reference", &pgconn.PgError{Code: "23505"}, ErrDuplicateReference},
		{"serialization", &pgconn.PgError{Code: "40001"}, ErrStoreConflict},
		{"lock timeout", &pgconn.PgError{Code: "55P03"}, ErrStoreConflict},
		{"negative balance", &pgconn.PgError{Code: "23514", ConstraintName: balanceConstraint}, ErrInsufficientFunds},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := mapPgError(fmt.Errorf("post: %w", tc.err))
			if !errors.Is(got, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestMapPgErrorPassesOtherCheckViolations(t *testing.T) {
	for _, c := range []string{"transactions_amount_check", "spending_limits_daily_limit_check"} {
		src := &pgconn.PgError{Code: "23514", ConstraintName: c}
		got := mapPgError(src)
		if errors.Is(got, ErrInsufficientFunds) {
			t.Fatalf("%s must not read as insufficient funds", c)
		}
		var pgErr *pgconn.PgError
		if !errors.As(got, &pgErr) || pgErr.ConstraintName != c {
			t.Fatalf("%s: driver error should pass through, got %v", c, got)
		}
	}
}
