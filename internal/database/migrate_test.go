package database

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatements(t *testing.T) {
	mysql, err := Statements("mysql")
	require.NoError(t, err)
	assert.Len(t, mysql, 3)
	assert.True(t, strings.HasPrefix(mysql[0], "-- Booking ledger"))
	assert.Contains(t, mysql[0], "uq_bookings_pending_user_event")

	pg, err := Statements("postgres")
	require.NoError(t, err)
	assert.Len(t, pg, 9)
	for _, s := range pg {
		assert.NotContains(t, s, ";")
	}

	_, err = Statements("sqlite")
	assert.Error(t, err)
}

func TestMigrateMySQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS bookings").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS booking_seats").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS booking_audit").WillReturnError(errors.New("access denied"))

	err = MigrateMySQL(context.Background(), db)
	assert.ErrorContains(t, err, "access denied")
	assert.NoError(t, mock.ExpectationsWereMet())
}
