package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"autotrader-core/internal/gateway"
	"autotrader-core/pkg/crypto"
	"autotrader-core/pkg/db"
)

const usage = `usage: autotrader-core [command] [flags]

Without a command the engine starts.

commands:
  add-account      create or update an account's bot settings
  set-credentials  seal and store venue API keys read from BINANCE_API_KEY / BINANCE_API_SECRET
`

func runCommand(name string, args []string) error {
	switch name {
	case "add-account":
		return addAccount(args, os.Stdout)
	case "set-credentials":
		return setCredentials(args, os.Getenv, os.Stdout)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", name)
	}
}

func defaultDBPath() string {
	if p := os.Getenv("DB_PATH"); p != "" {
		return p
	}
	if p := os.Getenv("DATABASE_PATH"); p != "" {
		return p
	}
	return "./data/autotrader.db"
}

func openStore(path string) (*db.Database, *db.Queries, error) {
	database, err := db.New(path)
	if err != nil {
		return nil, nil, err
	}
	if err := db.ApplyMigrations(database); err != nil {
		database.Close()
		return nil, nil, err
	}
	return database, database.Queries(), nil
}

func addAccount(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("add-account", flag.ContinueOnError)
	dbPath := fs.String("db", defaultDBPath(), "sqlite database path")
	id := fs.String("id", "", "account id")
	pair := fs.String("pair", "BTC/USDT", "trading pair")
	timeframe := fs.String("timeframe", "1h", "candle timeframe")
	riskLevel := fs.String("risk", "moderate", "aggressive | moderate | conservative")
	strategy := fs.String("strategy", "combined", "strategy name")
	amount := fs.Float64("amount", 0, "quote amount per trade, 0 uses the default share of equity")
	mode := fs.String("mode", db.ModeDemo, "demo | live")
	exchangeID := fs.String("exchange", gateway.ExchangeBinance, "venue for live mode")
	disabled := fs.Bool("disabled", false, "store the account without enabling it")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("-id is required")
	}
	if *mode != db.ModeDemo && *mode != db.ModeLive {
		return fmt.Errorf("unknown mode %q", *mode)
	}

	database, q, err := openStore(*dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	err = q.UpsertAccount(context.Background(), db.AccountSettings{
		AccountID:        *id,
		Enabled:          !*disabled,
		Pair:             strings.ToUpper(*pair),
		Timeframe:        *timeframe,
		RiskLevel:        *riskLevel,
		Strategy:         *strategy,
		InvestmentAmount: *amount,
		Mode:             *mode,
		ExchangeID:       *exchangeID,
		UpdatedAt:        time.Now(),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "account %s saved (%s, %s, enabled=%v)\n", *id, *mode, strings.ToUpper(*pair), !*disabled)
	return nil
}

// setCredentials never takes secrets as flags so they stay out of shell history.
func setCredentials(args []string, getenv func(string) string, out io.Writer) error {
	fs := flag.NewFlagSet("set-credentials", flag.ContinueOnError)
	dbPath := fs.String("db", defaultDBPath(), "sqlite database path")
	id := fs.String("id", "", "account id")
	exchangeID := fs.String("exchange", gateway.ExchangeBinance, "venue the keys belong to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("-id is required")
	}

	apiKey := strings.TrimSpace(getenv("BINANCE_API_KEY"))
	apiSecret := strings.TrimSpace(getenv("BINANCE_API_SECRET"))
	if apiKey == "" || apiSecret == "" {
		return errors.New("BINANCE_API_KEY and BINANCE_API_SECRET must be set")
	}

	sealer, err := crypto.NewSealerFromEnv(getenv)
	if err != nil {
		return fmt.Errorf("encryption keys: %w", err)
	}
	sealedKey, err := sealer.Seal(apiKey)
	if err != nil {
		return err
	}
	sealedSecret, err := sealer.Seal(apiSecret)
	if err != nil {
		return err
	}

	database, q, err := openStore(*dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	err = q.SaveCredentials(context.Background(), db.Credentials{
		AccountID:  *id,
		ExchangeID: strings.ToLower(*exchangeID),
		APIKey:     sealedKey,
		APISecret:  sealedSecret,
		UpdatedAt:  time.Now(),
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "credentials for %s on %s sealed with key v%d\n", *id, *exchangeID, sealer.CurrentVersion())
	return nil
}
