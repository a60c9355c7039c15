package database

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestConfig_DSN(t *testing.T) {
	cfg := Config{Host: "db", Port: 5433, User: "sync", Password: "p@ss word", Database: "catalog"}
	assert.Equal(t, "postgres://sync:p%40ss%20word@db:5433/catalog?sslmode=disable", cfg.DSN())

	cfg.SSLMode = "require"
	assert.Contains(t, cfg.DSN(), "sslmode=require")
}

func TestMigrateURL(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"postgres://u:p@h:5432/db?sslmode=disable", "pgx5://u:p@h:5432/db?sslmode=disable"},
		{"postgresql://u@h/db", "pgx5://u@h/db"},
		{"pgx5://u@h/db", "pgx5://u@h/db"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, migrateURL(tt.in))
	}
}

func TestIsUniqueViolation(t *testing.T) {
	dup := &pgconn.PgError{Code: UniqueViolation}
	assert.True(t, isUniqueViolation(dup))
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", dup)))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("boom")))
}

func TestCalculateNextRetryTime_IsCapped(t *testing.T) {
	first := calculateNextRetryTime(1)
	capped := calculateNextRetryTime(20)
	assert.True(t, capped.After(first))
	assert.True(t, capped.Sub(first) <= 300e9)
}
