package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/pershin-daniil/MeetMatch/pkg/models"
)

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Redis publishes events as JSON to a per user channel, where the web
// client and the call layer subscribe.
type Redis struct {
	log    *logrus.Entry
	client publisher
}

func NewRedis(ctx context.Context, log *logrus.Logger, redisURL string) (*Redis, *redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("err parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err = client.Ping(ctx).Err(); err != nil {
		return nil, nil, fmt.Errorf("err connecting to redis: %w", err)
	}
	return newRedis(log, client), client, nil
}

func newRedis(log *logrus.Logger, client publisher) *Redis {
	return &Redis{
		log:    log.WithField("component", "redis-notifier"),
		client: client,
	}
}

func Channel(userID int) string {
	return fmt.Sprintf("meetmatch:user:%d", userID)
}

func (r *Redis) Notify(ctx context.Context, event models.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("err marshalling event: %w", err)
	}
	receivers, err := r.client.Publish(ctx, Channel(event.UserID), data).Result()
	if err != nil {
		return fmt.Errorf("err publishing %s to user %d: %w", event.Kind, event.UserID, err)
	}
	r.log.Debugf("%s for meeting %d delivered to %d subscribers", event.Kind, event.MeetingID, receivers)
	return nil
}
