// Package bus subscribes to the fixed set of pub/sub channels the push daemon listens on, decodes each payload into
// a typed Event, and forwards it to the router over a channel. Reconnection on a dropped bus connection is handled
// by RunWithBackoff; malformed payloads are logged and discarded without tearing down the subscription.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Subscriber listens on the fixed channel set and emits decoded events on Events.
type Subscriber struct {
	rdb    *redis.Client
	log    zerolog.Logger
	Events chan Event
}

// NewSubscriber builds a Subscriber. Its Events channel buffers up to 256 events; once the buffer is full, dispatch
// blocks until the consumer drains it or the context is cancelled, so callers should drain Events promptly.
func NewSubscriber(rdb *redis.Client, log zerolog.Logger) *Subscriber {
	return &Subscriber{
		rdb:    rdb,
		log:    log.With().Str("component", "bus").Logger(),
		Events: make(chan Event, 256),
	}
}

// Run subscribes to every channel in Channels and decodes messages onto Events until ctx is cancelled or the
// subscription fails, in which case it returns the error for RunWithBackoff to act on.
func (s *Subscriber) Run(ctx context.Context) error {
	sub := s.rdb.Subscribe(ctx, Channels...)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to bus channels: %w", err)
	}
	s.log.Info().Strs("channels", Channels).Msg("subscribed to bus channels")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("bus subscription channel closed")
			}
			s.dispatch(ctx, msg.Channel, msg.Payload)
		}
	}
}

func (s *Subscriber) dispatch(ctx context.Context, channel, payload string) {
	ev, err := decode(channel, payload)
	if err != nil {
		s.log.Warn().Err(err).Str("channel", channel).Str("payload", payload).Msg("discarding malformed bus payload")
		return
	}

	select {
	case s.Events <- ev:
	case <-ctx.Done():
	}
}

func decode(channel, payload string) (Event, error) {
	ev := Event{Channel: channel}

	switch channel {
	case ChannelStorageUpdate:
		var v StorageUpdate
		if err := json.Unmarshal([]byte(payload), &v); err != nil {
			return ev, err
		}
		ev.StorageUpdate = &v
	case ChannelGroupMembershipUpdate:
		var v GroupMembershipUpdate
		if err := json.Unmarshal([]byte(payload), &v); err != nil {
			return ev, err
		}
		ev.GroupMembershipUpdate = &v
	case ChannelUserShareCreated:
		var v UserShareCreated
		if err := json.Unmarshal([]byte(payload), &v); err != nil {
			return ev, err
		}
		ev.UserShareCreated = &v
	case ChannelActivity:
		var v UserEvent
		if err := json.Unmarshal([]byte(payload), &v); err != nil {
			return ev, err
		}
		ev.Activity = &v
	case ChannelNotification:
		var v UserEvent
		if err := json.Unmarshal([]byte(payload), &v); err != nil {
			return ev, err
		}
		ev.Notification = &v
	case ChannelCustom:
		var v CustomEvent
		if err := json.Unmarshal([]byte(payload), &v); err != nil {
			return ev, err
		}
		ev.Custom = &v
	case ChannelPreAuth:
		var v PreAuth
		if err := json.Unmarshal([]byte(payload), &v); err != nil {
			return ev, err
		}
		ev.PreAuth = &v
	case ChannelTestCookie:
		n, err := strconv.ParseInt(strings.TrimSpace(payload), 10, 64)
		if err != nil {
			return ev, fmt.Errorf("parse test cookie integer: %w", err)
		}
		ev.TestCookie = &n
	case ChannelConfig:
		cfg, err := decodeConfigMessage(payload)
		if err != nil {
			return ev, err
		}
		ev.Config = &cfg
	case ChannelSignal:
		signal, err := decodeBareString(payload)
		if err != nil {
			return ev, err
		}
		ev.Signal = &signal
	case ChannelQuery:
		query, err := decodeBareString(payload)
		if err != nil {
			return ev, err
		}
		ev.Query = &query
	default:
		return ev, fmt.Errorf("unrecognized bus channel %q", channel)
	}
	return ev, nil
}

// decodeConfigMessage handles notify_config's two payload shapes: the bare JSON string "log_restore", or a JSON
// object {"log_spec": "<level>"}.
func decodeConfigMessage(payload string) (ConfigMessage, error) {
	trimmed := strings.TrimSpace(payload)
	if strings.HasPrefix(trimmed, "\"") {
		s, err := decodeBareString(trimmed)
		if err != nil {
			return ConfigMessage{}, err
		}
		if s != "log_restore" {
			return ConfigMessage{}, fmt.Errorf("unrecognized notify_config string %q", s)
		}
		return ConfigMessage{Restore: true}, nil
	}

	var obj struct {
		LogSpec string `json:"log_spec"`
	}
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return ConfigMessage{}, err
	}
	if obj.LogSpec == "" {
		return ConfigMessage{}, fmt.Errorf("notify_config object missing log_spec")
	}
	return ConfigMessage{LogSpec: obj.LogSpec}, nil
}

// decodeBareString unquotes a JSON string payload, accepting both a quoted JSON string and a raw unquoted value (some
// publishers send plain text rather than a JSON-encoded string).
func decodeBareString(payload string) (string, error) {
	trimmed := strings.TrimSpace(payload)
	if strings.HasPrefix(trimmed, "\"") {
		var s string
		if err := json.Unmarshal([]byte(trimmed), &s); err != nil {
			return "", err
		}
		return s, nil
	}
	return trimmed, nil
}
