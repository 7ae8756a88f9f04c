package postgres

import (
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestGetMigrations_OrderedAndReversible(t *testing.T) {
	migs := GetMigrations()

	for i, m := range migs {
		assert.Equal(t, i+1, m.Version)
		assert.NotEmpty(t, m.UpSQL, m.Name)
		assert.NotEmpty(t, m.DownSQL, m.Name)
	}

	all := ""
	for _, m := range migs {
		all += m.UpSQL
	}
	for _, table := range []string{"study_sessions", "notifications", "user_settings", "job_health"} {
		assert.True(t, strings.Contains(all, "CREATE TABLE IF NOT EXISTS "+table), table)
	}
}

func TestErrorHelpers(t *testing.T) {
	assert.True(t, IsUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.True(t, IsSerializationFailure(&pgconn.PgError{Code: "40001"}))
	assert.True(t, IsSerializationFailure(&pgconn.PgError{Code: "40P01"}))
	assert.False(t, IsSerializationFailure(errors.New("40001")))
	assert.True(t, IsNoRows(pgx.ErrNoRows))
}
