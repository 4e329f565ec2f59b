package service

import (
	"context"
	"fmt"
	"time"

	"github.com/pershin-daniil/MeetMatch/pkg/models"
)

func (s *ScheduleService) CreateUser(ctx context.Context, req models.UserRequest) (models.User, error) {
	user := req.Apply(models.User{})
	if err := validateUser(user); err != nil {
		return models.User{}, err
	}
	user, err := s.store.CreateUser(ctx, user)
	if err != nil {
		return models.User{}, fmt.Errorf("err creating user: %w", err)
	}
	s.log.Infof("user %d created", user.ID)
	return user, nil
}

func (s *ScheduleService) GetUser(ctx context.Context, id int) (models.User, error) {
	return s.store.GetUser(ctx, id)
}

func (s *ScheduleService) GetUserByTelegramID(ctx context.Context, telegramID int64) (models.User, error) {
	return s.store.GetUserByTelegramID(ctx, telegramID)
}

func (s *ScheduleService) UpdateUser(ctx context.Context, id int, req models.UserRequest) (models.User, error) {
	user, err := s.store.GetUser(ctx, id)
	if err != nil {
		return models.User{}, fmt.Errorf("err getting user %d: %w", id, err)
	}
	user = req.Apply(user)
	if err = validateUser(user); err != nil {
		return models.User{}, err
	}
	user, err = s.store.UpdateUser(ctx, user)
	if err != nil {
		return models.User{}, fmt.Errorf("err updating user %d: %w", id, err)
	}
	return user, nil
}

func validateUser(u models.User) error {
	if u.FirstName == "" {
		return fmt.Errorf("%w: first name is required", models.ErrValidation)
	}
	switch u.Gender {
	case "", models.GenderMale, models.GenderFemale:
	default:
		return fmt.Errorf("%w: unknown gender %q", models.ErrValidation, u.Gender)
	}
	if u.BirthYear != nil && (*u.BirthYear < 1900 || *u.BirthYear > time.Now().Year()) {
		return fmt.Errorf("%w: invalid birth year %d", models.ErrValidation, *u.BirthYear)
	}
	return nil
}
