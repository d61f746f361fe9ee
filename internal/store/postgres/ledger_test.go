package postgres

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/pricepredict/internal/domain"
)

func TestPageClause(t *testing.T) {
	assert.Equal(t, "", pageClause(domain.ListOpts{}))
	assert.Equal(t, " LIMIT 10", pageClause(domain.ListOpts{Limit: 10}))
	assert.Equal(t, " LIMIT 10 OFFSET 20", pageClause(domain.ListOpts{Limit: 10, Offset: 20}))
}

func TestHashStringsRoundTrip(t *testing.T) {
	hs := []common.Hash{common.HexToHash("0x01"), common.HexToHash("0xff")}
	assert.Equal(t, hs, parseHashes(hashStrings(hs)))
	assert.Nil(t, parseHashes(nil))
	assert.Empty(t, hashStrings(nil))
}

func TestParseU256(t *testing.T) {
	v, err := parseU256("115792089237316195423570985008687907853269984665640564039457584007913129639935")
	require.NoError(t, err)
	assert.Equal(t, 256, v.BitLen())

	_, err = parseU256("-1")
	assert.Error(t, err)
}

func TestNullTime(t *testing.T) {
	assert.Nil(t, nullTime(time.Time{}))
	now := time.Now()
	assert.Equal(t, now, derefTime(nullTime(now)))
	assert.True(t, derefTime(nil).IsZero())
}

func TestRoundArgsMatchInsertPlaceholders(t *testing.T) {
	assert.Len(t, roundArgs(domain.Round{}), 20)
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "postgres://u:p@db:5432/pp?sslmode=disable",
		DSN(ClientConfig{Host: "db", Database: "pp", User: "u", Password: "p"}))
	assert.Equal(t, "postgres://explicit", DSN(ClientConfig{DSN: "postgres://explicit", Host: "ignored"}))
}

func TestMapConstraintError(t *testing.T) {
	dup := &pgconn.PgError{Code: "23505", ConstraintName: priceHandleIndex, Detail: "Key (price_handle)=(0x42) already exists."}
	assert.ErrorIs(t, mapConstraintError(dup), domain.ErrHandleInUse)

	other := &pgconn.PgError{Code: "23505", ConstraintName: "predictions_pkey"}
	assert.NotErrorIs(t, mapConstraintError(other), domain.ErrHandleInUse)
	assert.Equal(t, error(other), mapConstraintError(other))
}

func TestPriceHandleMigration(t *testing.T) {
	sql, err := migrationsFS.ReadFile("migrations/002_unique_price_handle.sql")
	require.NoError(t, err)
	assert.Contains(t, string(sql), priceHandleIndex)
	assert.Contains(t, string(sql), common.Hash{}.Hex())
}
