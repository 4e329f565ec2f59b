package telegram

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	tele "gopkg.in/telebot.v3"

	"github.com/pershin-daniil/MeetMatch/pkg/models"
)

type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type UserGetter interface {
	GetUser(ctx context.Context, id int) (models.User, error)
}

// Notifier sends events to the telegram chat linked to the recipient.
// Users without a linked chat are skipped.
type Notifier struct {
	log   *logrus.Entry
	bot   sender
	users UserGetter
}

func NewNotifier(log *logrus.Logger, bot *tele.Bot, users UserGetter) *Notifier {
	return newNotifier(log, bot, users)
}

func newNotifier(log *logrus.Logger, bot sender, users UserGetter) *Notifier {
	return &Notifier{
		log:   log.WithField("component", "telegram-notifier"),
		bot:   bot,
		users: users,
	}
}

func (n *Notifier) Notify(ctx context.Context, event models.Event) error {
	user, err := n.users.GetUser(ctx, event.UserID)
	if err != nil {
		return fmt.Errorf("err getting user %d: %w", event.UserID, err)
	}
	if user.TelegramID == nil {
		n.log.Debugf("user %d has no telegram chat", user.ID)
		return nil
	}
	if _, err = n.bot.Send(tele.ChatID(*user.TelegramID), eventText(event)); err != nil {
		return fmt.Errorf("err sending %s to chat %d: %w", event.Kind, *user.TelegramID, err)
	}
	return nil
}

func eventText(event models.Event) string {
	peer := event.PeerName
	if peer == "" {
		peer = "собеседник"
	}
	start := ""
	if event.StartTime != nil {
		start = event.StartTime.Format("02.01 15:04 MST")
	}
	switch event.Kind {
	case models.MeetingConnected:
		return fmt.Sprintf("Встреча #%d: %s ждёт вас %s", event.MeetingID, peer, start)
	case models.MeetingDisconnected:
		return fmt.Sprintf("Встреча #%d: %s отменил встречу, ищем нового собеседника", event.MeetingID, peer)
	case models.MeetingFinished:
		// the recipient's meeting is seeking again, it cannot be finished from there
		return fmt.Sprintf("Встреча #%d: %s завершил встречу, ваша заявка снова в поиске", event.MeetingID, peer)
	case models.MeetingReminder:
		return fmt.Sprintf("Напоминание: встреча #%d с %s начнётся %s", event.MeetingID, peer, start)
	}
	return fmt.Sprintf("Встреча #%d: %s", event.MeetingID, event.Kind)
}
