package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v3"

	"github.com/pershin-daniil/MeetMatch/pkg/models"
)

const (
	cmdStart    = "/start"
	cmdMeetings = "/meetings"
)

const requestTimeout = 10 * time.Second

func (t *Telegram) initHandlers() {
	t.bot.Handle(cmdStart, t.startHandler)
	t.bot.Handle(cmdMeetings, t.meetingsHandler)
	t.bot.Handle(&myMeetingsBtn, t.meetingsHandler)
	t.bot.Handle(&cancelBtn, t.cancelMeetingHandler)
}

func (t *Telegram) startHandler(ctx tele.Context) error {
	reqCtx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	user, err := t.app.GetUserByTelegramID(reqCtx, ctx.Chat().ID)
	switch {
	case errors.Is(err, models.ErrUserNotFound):
		return ctx.Send(fmt.Sprintf(`Привет! Я пришлю уведомление, когда для вашей встречи найдётся собеседник.
Укажите в профиле telegramId %d, чтобы связать чат с аккаунтом.`, ctx.Chat().ID))
	case err != nil:
		t.log.Errorf("err getting user by chat %d: %v", ctx.Chat().ID, err)
		return ctx.Send("Что-то пошло не так, попробуйте позже")
	}
	return ctx.Send(fmt.Sprintf("Привет, %s! Уведомления о встречах будут приходить сюда.", user.FirstName), menu)
}

func (t *Telegram) meetingsHandler(ctx tele.Context) error {
	reqCtx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	user, err := t.app.GetUserByTelegramID(reqCtx, ctx.Chat().ID)
	if err != nil {
		return ctx.Send("Чат не связан с аккаунтом, отправьте /start")
	}
	meetings, err := t.app.GetMeetings(reqCtx, user.ID)
	if err != nil {
		t.log.Errorf("err getting meetings of user %d: %v", user.ID, err)
		return ctx.Send("Что-то пошло не так, попробуйте позже")
	}
	return ctx.Send(meetingsText(meetings), meetingsMarkup(meetings))
}

func (t *Telegram) cancelMeetingHandler(ctx tele.Context) error {
	id, err := strconv.Atoi(ctx.Callback().Data)
	if err != nil {
		return ctx.Respond(&tele.CallbackResponse{Text: "Неизвестная встреча"})
	}
	reqCtx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	user, err := t.app.GetUserByTelegramID(reqCtx, ctx.Chat().ID)
	if err != nil {
		return ctx.Respond(&tele.CallbackResponse{Text: "Чат не связан с аккаунтом"})
	}
	if _, err = t.app.UpdateMeetingStatus(reqCtx, user.ID, id, models.StatusCancelled); err != nil {
		t.log.Warnf("err cancelling meeting %d from telegram: %v", id, err)
		return ctx.Respond(&tele.CallbackResponse{Text: "Не удалось отменить встречу"})
	}
	if err = ctx.Respond(&tele.CallbackResponse{Text: "Встреча отменена"}); err != nil {
		return err
	}
	return t.meetingsHandler(ctx)
}

func meetingsText(meetings []models.Meeting) string {
	if len(meetings) == 0 {
		return "У вас пока нет встреч"
	}
	var b strings.Builder
	b.WriteString("Ваши встречи:")
	for _, m := range meetings {
		fmt.Fprintf(&b, "\n#%d %s", m.ID, statusText(m.Status))
		if m.StartTime != nil {
			fmt.Fprintf(&b, ", начало %s", m.StartTime.Format("02.01 15:04 MST"))
		}
	}
	return b.String()
}

func statusText(s models.Status) string {
	switch s {
	case models.StatusSeeking:
		return "ищем собеседника"
	case models.StatusFound:
		return "собеседник найден"
	case models.StatusCalled:
		return "идёт звонок"
	case models.StatusFinished:
		return "завершена"
	case models.StatusCancelled:
		return "отменена"
	}
	return string(s)
}
