package utils

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsUniqueViolation(t *testing.T) {
	wrapped := fmt.Errorf("insert appointment: %w", &pgconn.PgError{Code: "23505"})
	if !IsUniqueViolation(wrapped) {
		t.Fatalf("expected wrapped 23505 to match")
	}
	if IsUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Fatalf("foreign key violation must not match")
	}
	if IsUniqueViolation(errors.New("duplicate")) {
		t.Fatalf("plain error must not match")
	}
}

func TestPostgresPoolDefaults(t *testing.T) {
	got := PostgresPoolConfig{}.withDefaults()
	if got.MaxOpenConns != 25 || got.MaxIdleConns != 25 || got.PingTimeout <= 0 {
		t.Fatalf("unexpected defaults: %+v", got)
	}
}

func TestApplySchema_RejectsEmptyDDL(t *testing.T) {
	// the ddl check runs before the db is touched
	if err := ApplySchema(context.Background(), nil, 1, "  \n"); err == nil {
		t.Fatalf("expected error for empty ddl")
	}
}
