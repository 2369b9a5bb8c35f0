package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrader-core/pkg/crypto"
	"autotrader-core/pkg/db"
	exspot "autotrader-core/pkg/exchanges/binance/spot"
	exchange "autotrader-core/pkg/exchanges/common"
	"autotrader-core/pkg/exchanges/ledger"
)

func newTestFactory(t *testing.T) (*Factory, *db.Database, *crypto.Sealer) {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	key := make([]byte, crypto.KeySize)
	sealer, err := crypto.NewSealer(map[int][]byte{1: key})
	require.NoError(t, err)

	limiter := exchange.NewRateLimiter(exchange.DefaultRateLimiterConfig())
	f := NewFactory(Config{DemoStartBalance: 10000}, database, database.Queries(), sealer, limiter, nil)
	return f, database, sealer
}

func TestOpenDemoSeedsLedgerOnce(t *testing.T) {
	f, _, _ := newTestFactory(t)
	ctx := context.Background()
	account := db.AccountSettings{AccountID: "u1", Mode: db.ModeDemo, ExchangeID: "binance"}

	venue, err := f.Open(ctx, account)
	require.NoError(t, err)
	defer venue.Close()
	assert.IsType(t, &ledger.Venue{}, venue)

	bal, err := venue.FetchBalance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10000, bal.TotalOf("USDT"), 1e-9)

	again, err := f.Open(ctx, account)
	require.NoError(t, err)
	defer again.Close()
	bal, err = again.FetchBalance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10000, bal.TotalOf("USDT"), 1e-9, "second open must not reseed")
}

func TestOpenLiveWithoutCredentials(t *testing.T) {
	f, _, _ := newTestFactory(t)
	_, err := f.Open(context.Background(), db.AccountSettings{AccountID: "u1", Mode: db.ModeLive, ExchangeID: "binance"})
	require.Error(t, err)
	assert.True(t, exchange.IsKind(err, exchange.KindCredential))
}

func TestOpenLiveRejectsUnsealedCredentials(t *testing.T) {
	f, database, _ := newTestFactory(t)
	ctx := context.Background()
	require.NoError(t, database.Queries().SaveCredentials(ctx, db.Credentials{
		AccountID: "u1", ExchangeID: "binance", APIKey: "plain", APISecret: "plain",
	}))

	_, err := f.Open(ctx, db.AccountSettings{AccountID: "u1", Mode: db.ModeLive, ExchangeID: "binance"})
	require.Error(t, err)
	assert.True(t, exchange.IsKind(err, exchange.KindCredential))
}

func TestOpenLiveBinance(t *testing.T) {
	f, database, sealer := newTestFactory(t)
	ctx := context.Background()
	key, err := sealer.Seal("key")
	require.NoError(t, err)
	secret, err := sealer.Seal("secret")
	require.NoError(t, err)
	require.NoError(t, database.Queries().SaveCredentials(ctx, db.Credentials{
		AccountID: "u1", ExchangeID: "binance", APIKey: key, APISecret: secret,
	}))

	venue, err := f.Open(ctx, db.AccountSettings{AccountID: "u1", Mode: db.ModeLive, ExchangeID: "binance"})
	require.NoError(t, err)
	defer venue.Close()
	assert.IsType(t, &exspot.Client{}, venue)
	assert.NoError(t, venue.CheckCredentials(ctx))
}

func TestOpenLiveLedgerAndUnknownExchange(t *testing.T) {
	f, _, _ := newTestFactory(t)
	ctx := context.Background()

	venue, err := f.Open(ctx, db.AccountSettings{AccountID: "u1", Mode: db.ModeLive, ExchangeID: "ledger"})
	require.NoError(t, err)
	defer venue.Close()
	bal, err := venue.FetchBalance(ctx)
	require.NoError(t, err)
	assert.Empty(t, bal.Total, "live ledger is never seeded")

	_, err = f.Open(ctx, db.AccountSettings{AccountID: "u1", Mode: db.ModeLive, ExchangeID: "kraken"})
	assert.Error(t, err)
}
