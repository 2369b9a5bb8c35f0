package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrader-core/pkg/db"
)

type captured struct {
	mu     sync.Mutex
	alerts []string
}

func (c *captured) Alert(subject, message string, level Level) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, string(level)+"|"+subject+"|"+message)
}

func TestMultiFansOut(t *testing.T) {
	a, b := &captured{}, &captured{}
	Multi{a, nil, b, Log{}, Nop{}}.Alert("Trade Executed", "BUY BTC/USDT", LevelInfo)

	assert.Equal(t, []string{"info|Trade Executed|BUY BTC/USDT"}, a.alerts)
	assert.Equal(t, a.alerts, b.alerts)
}

func TestRecorderPersistsThroughBatchWriter(t *testing.T) {
	database, err := db.New(":memory:")
	require.NoError(t, err)
	defer database.Close()
	require.NoError(t, db.ApplyMigrations(database))
	q := database.Queries()

	r := NewRecorder(q, time.Hour)
	r.Alert("Risk Limit", "u1 locked", LevelWarning)
	r.Alert("Trade Closed", "u2 pnl 5", LevelInfo)
	require.NoError(t, r.Flush(context.Background()))
	require.NoError(t, r.Close())

	events, err := q.RecentSystemEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	subjects := []string{events[0].Subject, events[1].Subject}
	assert.ElementsMatch(t, []string{"Risk Limit", "Trade Closed"}, subjects)
	assert.Equal(t, uint64(2), r.Metrics().TotalWrites)
}

type slowStore struct {
	delay time.Duration
	mu    sync.Mutex
	saved int
}

func (s *slowStore) InsertSystemEvents(ctx context.Context, events []db.SystemEvent) error {
	time.Sleep(s.delay)
	s.mu.Lock()
	s.saved += len(events)
	s.mu.Unlock()
	return nil
}

func TestRecorderAlertDoesNotWaitForStore(t *testing.T) {
	store := &slowStore{delay: time.Second}
	r := NewRecorder(store, time.Hour)
	defer r.Close()

	var slowest time.Duration
	for i := 0; i < 120; i++ {
		start := time.Now()
		r.Alert("Trade Executed", "BUY", LevelInfo)
		if d := time.Since(start); d > slowest {
			slowest = d
		}
	}
	assert.Less(t, slowest, 200*time.Millisecond, "Alert must return while the store is slow")
}

type telegramAPI struct {
	srv   *httptest.Server
	mu    sync.Mutex
	texts []string
}

func newTelegramAPI(t *testing.T) *telegramAPI {
	t.Helper()
	api := &telegramAPI{}
	api.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"bot","username":"autotrader_bot"}}`))
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			assert.NoError(t, r.ParseForm())
			api.mu.Lock()
			api.texts = append(api.texts, r.PostForm.Get("text"))
			api.mu.Unlock()
			w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(api.srv.Close)
	return api
}

func (a *telegramAPI) connect(t *testing.T) *Telegram {
	t.Helper()
	bot, err := tgbotapi.NewBotAPIWithClient("token", a.srv.URL+"/bot%s/%s", a.srv.Client())
	require.NoError(t, err)
	return newTelegram(bot, 42)
}

func (a *telegramAPI) sent() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.texts...)
}

func TestTelegramSendsQueuedAlerts(t *testing.T) {
	api := newTelegramAPI(t)
	tg := api.connect(t)

	tg.Alert("Stop Loss Hit", "user_1 closed BTC_USDT", LevelCritical)
	tg.Close()

	texts := api.sent()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "Stop Loss Hit")
	assert.Contains(t, texts[0], `user\_1`, "markdown is escaped")
}

func TestTelegramAlertAfterCloseIsDropped(t *testing.T) {
	api := newTelegramAPI(t)
	tg := api.connect(t)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			tg.Alert("System Unhealthy", "db ping failed", LevelWarning)
		}
	}()
	tg.Close()
	wg.Wait()

	assert.NotPanics(t, func() { tg.Alert("Trade Closed", "late", LevelInfo) })
	tg.Close()
	for _, text := range api.sent() {
		assert.NotContains(t, text, "late")
	}
}
