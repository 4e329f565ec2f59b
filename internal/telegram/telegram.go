package telegram

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	tele "gopkg.in/telebot.v3"

	"github.com/pershin-daniil/MeetMatch/pkg/models"
)

type Telegram struct {
	log *logrus.Entry
	bot *tele.Bot
	app App
}

type App interface {
	GetUserByTelegramID(ctx context.Context, telegramID int64) (models.User, error)
	GetMeetings(ctx context.Context, ownerID int) ([]models.Meeting, error)
	UpdateMeetingStatus(ctx context.Context, ownerID, id int, status models.Status) (models.Meeting, error)
}

func New(log *logrus.Logger, bot *tele.Bot, app App) *Telegram {
	t := Telegram{
		log: log.WithField("component", "telegram"),
		bot: bot,
		app: app,
	}
	t.initButtons()
	t.initHandlers()
	return &t
}

func NewBot(token string) (*tele.Bot, error) {
	config := tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	}
	b, err := tele.NewBot(config)
	if err != nil {
		return nil, fmt.Errorf("new bot failed: %w", err)
	}
	return b, nil
}

func (t *Telegram) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		t.bot.Stop()
	}()
	t.log.Infof("Starting telegram bot as %v", t.bot.Me.Username)
	t.bot.Start()
}
