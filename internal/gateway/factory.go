// Package gateway opens the venue an account trades on for the duration of one tick.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"autotrader-core/pkg/crypto"
	"autotrader-core/pkg/db"
	exspot "autotrader-core/pkg/exchanges/binance/spot"
	exchange "autotrader-core/pkg/exchanges/common"
	"autotrader-core/pkg/exchanges/ledger"
)

// Exchange identifiers stored on accounts.
const (
	ExchangeBinance = "binance"
	ExchangeLedger  = "ledger"
)

// Opener returns a fresh venue handle for an account. Callers Close it.
type Opener interface {
	Open(ctx context.Context, account db.AccountSettings) (exchange.Gateway, error)
}

// CredentialStore loads sealed API keys.
type CredentialStore interface {
	GetCredentials(ctx context.Context, accountID, exchangeID string) (db.Credentials, error)
}

// Config holds the factory wiring.
type Config struct {
	Testnet          bool
	BaseURL          string  // overrides the Binance host, used by tests
	DemoStartBalance float64 // seeded into an empty demo ledger
	QuoteCurrency    string
}

// Factory is the default Opener: demo accounts and the "ledger" exchange get a
// SQLite ledger, live Binance accounts get a signed REST client that shares
// the process-wide rate limiter.
type Factory struct {
	cfg     Config
	db      *db.Database
	creds   CredentialStore
	sealer  *crypto.Sealer
	limiter *exchange.RateLimiter
	prices  exchange.PriceSource
}

var _ Opener = (*Factory)(nil)

// NewFactory creates a factory. sealer may be nil when no live accounts exist;
// prices may be nil in which case ledgers use their fallback table.
func NewFactory(cfg Config, database *db.Database, creds CredentialStore, sealer *crypto.Sealer, limiter *exchange.RateLimiter, prices exchange.PriceSource) *Factory {
	if cfg.QuoteCurrency == "" {
		cfg.QuoteCurrency = "USDT"
	}
	return &Factory{
		cfg:     cfg,
		db:      database,
		creds:   creds,
		sealer:  sealer,
		limiter: limiter,
		prices:  prices,
	}
}

// PublicPriceSource builds an unauthenticated Binance client for market data.
// It still goes through the shared limiter.
func PublicPriceSource(cfg Config, limiter *exchange.RateLimiter) *exspot.Client {
	return exspot.New(exspot.Config{Testnet: cfg.Testnet, BaseURL: cfg.BaseURL}, limiter)
}

// Open implements Opener.
func (f *Factory) Open(ctx context.Context, account db.AccountSettings) (exchange.Gateway, error) {
	exchangeID := strings.ToLower(account.ExchangeID)
	switch {
	case account.Mode != db.ModeLive:
		return f.openLedger(ctx, account.AccountID, db.ModeDemo)
	case exchangeID == ExchangeLedger:
		return f.openLedger(ctx, account.AccountID, db.ModeLive)
	case exchangeID == ExchangeBinance || exchangeID == "":
		return f.openBinance(ctx, account.AccountID)
	default:
		return nil, fmt.Errorf("unsupported exchange type: %s", account.ExchangeID)
	}
}

func (f *Factory) openLedger(ctx context.Context, accountID, mode string) (exchange.Gateway, error) {
	venue := ledger.New(f.db, accountID, mode, f.prices)
	if mode != db.ModeDemo || f.cfg.DemoStartBalance <= 0 {
		return venue, nil
	}

	bal, err := venue.FetchBalance(ctx)
	if err != nil {
		venue.Close()
		return nil, fmt.Errorf("load demo balance: %w", err)
	}
	if len(bal.Total) == 0 {
		if err := venue.Deposit(ctx, f.cfg.QuoteCurrency, f.cfg.DemoStartBalance); err != nil {
			venue.Close()
			return nil, fmt.Errorf("seed demo balance: %w", err)
		}
		log.Printf("gateway: seeded demo ledger for %s with %.2f %s", accountID, f.cfg.DemoStartBalance, f.cfg.QuoteCurrency)
	}
	return venue, nil
}

func (f *Factory) openBinance(ctx context.Context, accountID string) (exchange.Gateway, error) {
	creds, err := f.creds.GetCredentials(ctx, accountID, ExchangeBinance)
	if errors.Is(err, db.ErrNotFound) {
		return nil, exchange.NewVenueError(exspot.VenueName, "credentials", exchange.KindCredential, errors.New("no API keys stored"))
	}
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	apiKey, err := f.reveal(creds.APIKey)
	if err != nil {
		return nil, exchange.NewVenueError(exspot.VenueName, "credentials", exchange.KindCredential, fmt.Errorf("api key: %w", err))
	}
	apiSecret, err := f.reveal(creds.APISecret)
	if err != nil {
		return nil, exchange.NewVenueError(exspot.VenueName, "credentials", exchange.KindCredential, fmt.Errorf("api secret: %w", err))
	}

	return exspot.New(exspot.Config{
		APIKey:    apiKey,
		APISecret: apiSecret,
		Testnet:   f.cfg.Testnet,
		BaseURL:   f.cfg.BaseURL,
	}, f.limiter), nil
}

// reveal opens a sealed value; unsealed values are rejected.
func (f *Factory) reveal(value string) (string, error) {
	if value == "" {
		return "", errors.New("empty")
	}
	if !crypto.IsSealed(value) {
		return "", errors.New("stored unencrypted")
	}
	if f.sealer == nil {
		return "", errors.New("no master key configured")
	}
	return f.sealer.Open(value)
}
