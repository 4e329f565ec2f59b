package telegram

import (
	"fmt"
	"strconv"

	tele "gopkg.in/telebot.v3"

	"github.com/pershin-daniil/MeetMatch/pkg/models"
)

func (t *Telegram) initButtons() {
	menu.Inline(
		menu.Row(myMeetingsBtn))
}

var (
	menu          = &tele.ReplyMarkup{}
	myMeetingsBtn = menu.Data("Мои встречи", "meetings")
)

// cancelBtn is only a handler endpoint, each button carries its meeting id.
var cancelBtn = tele.Btn{Unique: "cancel"}

// meetingsMarkup offers a cancel button for every meeting that can still be cancelled.
func meetingsMarkup(meetings []models.Meeting) *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{}
	var rows []tele.Row
	for _, m := range meetings {
		if !m.Status.CanTransitionTo(models.StatusCancelled) {
			continue
		}
		rows = append(rows, markup.Row(markup.Data(fmt.Sprintf("Отменить #%d", m.ID), cancelBtn.Unique, strconv.Itoa(m.ID))))
	}
	rows = append(rows, markup.Row(myMeetingsBtn))
	markup.Inline(rows...)
	return markup
}
