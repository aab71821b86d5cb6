package db

import (
	"context"
	"errors"
	"testing"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplySchema(t *testing.T) {
	mock, err := pgxmock.NewConn()
	require.NoError(t, err)
	defer mock.Close(context.Background())

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS availability_slots").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, ApplySchema(context.Background(), mock))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplySchemaWrapsError(t *testing.T) {
	mock, err := pgxmock.NewConn()
	require.NoError(t, err)
	defer mock.Close(context.Background())

	boom := errors.New("permission denied")
	mock.ExpectExec("CREATE TABLE").WillReturnError(boom)

	err = ApplySchema(context.Background(), mock)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "apply schema")
}

func TestSchemaDeclaresLiveSlotUniqueness(t *testing.T) {
	assert.Contains(t, schemaSQL, "uq_appointments_live_slot")
	assert.Contains(t, schemaSQL, "claimed_at")
}

func TestConnectPostgresRejectsBadDSN(t *testing.T) {
	_, err := ConnectPostgres(context.Background(), "::not a dsn::", PoolOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse postgres dsn")
}
