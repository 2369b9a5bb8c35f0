package notify

import (
	"fmt"
	"log"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram sends alerts to one chat from a background goroutine. Alerts are
// dropped when the queue is full or the notifier is closed.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	queue  chan string
	done   chan struct{}

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewTelegram connects to the Bot API and starts the sender.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return newTelegram(bot, chatID), nil
}

func newTelegram(bot *tgbotapi.BotAPI, chatID int64) *Telegram {
	log.Printf("notify: telegram bot connected as %s", bot.Self.UserName)
	t := &Telegram{
		bot:    bot,
		chatID: chatID,
		queue:  make(chan string, 64),
		done:   make(chan struct{}),
	}
	t.wg.Add(1)
	go t.run()
	return t
}

// Alert implements Notifier.
func (t *Telegram) Alert(subject, message string, level Level) {
	select {
	case <-t.done:
		log.Printf("notify: telegram closed, dropping %q", subject)
		return
	default:
	}
	text := fmt.Sprintf("%s *%s*\n%s", levelIcon(level), escape(subject), escape(message))
	select {
	case t.queue <- text:
	default:
		log.Printf("notify: telegram queue full, dropping %q", subject)
	}
}

// run never closes queue, so a late Alert cannot panic.
func (t *Telegram) run() {
	defer t.wg.Done()
	for {
		select {
		case text := <-t.queue:
			t.send(text)
		case <-t.done:
			for {
				select {
				case text := <-t.queue:
					t.send(text)
				default:
					return
				}
			}
		}
	}
}

func (t *Telegram) send(text string) {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := t.bot.Send(msg); err != nil {
		log.Printf("notify: send telegram message: %v", err)
	}
}

// Close sends what is queued and stops the sender.
func (t *Telegram) Close() {
	t.closeOnce.Do(func() { close(t.done) })
	t.wg.Wait()
}

func levelIcon(level Level) string {
	switch level {
	case LevelCritical:
		return "🚨"
	case LevelWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

// escape neutralizes legacy Markdown control characters.
func escape(s string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeMarkdown, s)
}
