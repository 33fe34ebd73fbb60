// Package redisbus relays broadcast messages between API instances over
// Redis pub/sub so that a publish on one instance reaches sockets held by all.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/lorrc/labnotify/internal/core/domain"
)

// allChannels encodes domain.BroadcastAll, which has no channel name.
const allChannels = "*"

// NewClient creates a Redis client from a redis:// URL.
func NewClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Ping tests the Redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	return client.Ping(ctx).Err()
}

type envelope struct {
	Origin  string          `json:"origin"`
	Target  string          `json:"target"`
	Message json.RawMessage `json:"message"`
}

func encode(origin string, msg domain.Message, target domain.ChannelSelector) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	name := target.Name()
	if target.Kind == domain.SelectAll {
		name = allChannels
	}
	return json.Marshal(envelope{Origin: origin, Target: name, Message: body})
}

func decode(data []byte) (string, domain.Message, domain.ChannelSelector, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", domain.Message{}, domain.ChannelSelector{}, fmt.Errorf("decode relay envelope: %w", err)
	}

	var target domain.ChannelSelector
	if env.Target == allChannels {
		target = domain.BroadcastAll()
	} else {
		sel, ok := domain.ParseChannel(env.Target)
		if !ok {
			return "", domain.Message{}, domain.ChannelSelector{}, fmt.Errorf("decode relay envelope: unknown target %q", env.Target)
		}
		target = sel
	}

	msg, err := domain.DecodeMessage(env.Message)
	if err != nil {
		return "", domain.Message{}, domain.ChannelSelector{}, err
	}
	return env.Origin, msg, target, nil
}
