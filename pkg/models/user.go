package models

import (
	"time"
)

type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

type UserRequest struct {
	LastName   *string `json:"lastName"`
	FirstName  *string `json:"firstName"`
	Gender     *Gender `json:"gender"`
	BirthYear  *int    `json:"birthYear"`
	TelegramID *int64  `json:"telegramId"`
}

type User struct {
	ID         int       `json:"id" db:"id"`
	LastName   string    `json:"lastName" db:"last_name"`
	FirstName  string    `json:"firstName" db:"first_name"`
	Gender     Gender    `json:"gender" db:"gender"`
	BirthYear  *int      `json:"birthYear" db:"birth_year"`
	TelegramID *int64    `json:"telegramId" db:"telegram_id"`
	CreatedAt  time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt  time.Time `json:"updatedAt" db:"updated_at"`
}

func (r UserRequest) Apply(u User) User {
	if r.LastName != nil {
		u.LastName = *r.LastName
	}
	if r.FirstName != nil {
		u.FirstName = *r.FirstName
	}
	if r.Gender != nil {
		u.Gender = *r.Gender
	}
	if r.BirthYear != nil {
		u.BirthYear = r.BirthYear
	}
	if r.TelegramID != nil {
		u.TelegramID = r.TelegramID
	}
	return u
}

// Age returns the age in the given year, false when the birth year is unknown.
func (u User) Age(year int) (int, bool) {
	if u.BirthYear == nil {
		return 0, false
	}
	return year - *u.BirthYear, true
}
