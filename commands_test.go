package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrader-core/pkg/crypto"
	"autotrader-core/pkg/db"
)

func testEnv(vals map[string]string) func(string) string {
	return func(k string) string { return vals[k] }
}

func TestAddAccount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.db")
	var out bytes.Buffer

	err := addAccount([]string{"-db", path, "-id", "u1", "-pair", "eth/usdt", "-risk", "aggressive", "-amount", "250"}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "account u1 saved")

	database, q, err := openStore(path)
	require.NoError(t, err)
	defer database.Close()

	acc, err := q.GetAccount(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, acc.Enabled)
	assert.Equal(t, "ETH/USDT", acc.Pair)
	assert.Equal(t, "aggressive", acc.RiskLevel)
	assert.Equal(t, 250.0, acc.InvestmentAmount)
	assert.Equal(t, db.ModeDemo, acc.Mode)
}

func TestAddAccountValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.db")
	assert.Error(t, addAccount([]string{"-db", path}, &bytes.Buffer{}))
	assert.Error(t, addAccount([]string{"-db", path, "-id", "u1", "-mode", "paper"}, &bytes.Buffer{}))
}

func TestSetCredentialsSealsKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.db")
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	env := testEnv(map[string]string{
		"MASTER_ENCRYPTION_KEY": base64.StdEncoding.EncodeToString(key),
		"BINANCE_API_KEY":       "key-123",
		"BINANCE_API_SECRET":    "secret-456",
	})

	var out bytes.Buffer
	require.NoError(t, setCredentials([]string{"-db", path, "-id", "u1"}, env, &out))
	assert.Contains(t, out.String(), "sealed with key v1")

	database, q, err := openStore(path)
	require.NoError(t, err)
	defer database.Close()

	creds, err := q.GetCredentials(context.Background(), "u1", "binance")
	require.NoError(t, err)
	assert.True(t, crypto.IsSealed(creds.APIKey))
	assert.NotContains(t, creds.APISecret, "secret-456")

	sealer, err := crypto.NewSealerFromEnv(env)
	require.NoError(t, err)
	secret, err := sealer.Open(creds.APISecret)
	require.NoError(t, err)
	assert.Equal(t, "secret-456", secret)
}

func TestSetCredentialsRequiresKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot.db")

	err := setCredentials([]string{"-db", path, "-id", "u1"}, testEnv(nil), &bytes.Buffer{})
	assert.ErrorContains(t, err, "BINANCE_API_KEY")

	err = setCredentials([]string{"-db", path, "-id", "u1"}, testEnv(map[string]string{
		"BINANCE_API_KEY":    "k",
		"BINANCE_API_SECRET": "s",
	}), &bytes.Buffer{})
	assert.ErrorIs(t, err, crypto.ErrNoKeys)
}
