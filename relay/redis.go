package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// envelope is what travels between relay nodes on the pub/sub channel.
type envelope struct {
	Node    string          `json:"node"`
	Room    string          `json:"room"`
	Except  string          `json:"except,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// RedisFabric delivers locally first and then publishes the event so that
// other nodes sharing the channel can deliver it to their own connections.
type RedisFabric struct {
	local   Fabric
	client  goredis.UniversalClient
	pubsub  *goredis.PubSub
	channel string
	node    string

	done      chan struct{}
	closeOnce sync.Once
}

// NewRedisFabric subscribes to channel and starts forwarding envelopes
// published by other nodes into local. It returns once the subscription is
// confirmed so nothing published afterwards is missed.
func NewRedisFabric(ctx context.Context, local Fabric, client goredis.UniversalClient, channel, node string) (*RedisFabric, error) {
	pubsub := client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	f := &RedisFabric{
		local:   local,
		client:  client,
		pubsub:  pubsub,
		channel: channel,
		node:    node,
		done:    make(chan struct{}),
	}
	go f.listen()

	logrus.WithFields(logrus.Fields{
		"channel": channel,
		"node":    node,
	}).Info("Relay fabric subscribed")
	return f, nil
}

func (f *RedisFabric) Broadcast(roomID, exceptID, event string, payload any) error {
	if err := f.local.Broadcast(roomID, exceptID, event, payload); err != nil {
		return err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	body, err := json.Marshal(envelope{
		Node:    f.node,
		Room:    roomID,
		Except:  exceptID,
		Event:   event,
		Payload: raw,
	})
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", event, err)
	}

	if err := f.client.Publish(context.Background(), f.channel, body).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	return nil
}

func (f *RedisFabric) listen() {
	defer close(f.done)

	for msg := range f.pubsub.Channel() {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			logrus.WithError(err).Warn("Dropping malformed relay envelope")
			continue
		}
		if env.Node == f.node {
			continue
		}

		var payload any
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &payload); err != nil {
				logrus.WithError(err).WithField("event", env.Event).Warn("Dropping relay envelope with bad payload")
				continue
			}
		}

		if err := f.local.Broadcast(env.Room, env.Except, env.Event, payload); err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"room_id": env.Room,
				"event":   env.Event,
				"from":    env.Node,
			}).Error("Failed to deliver relayed event")
		}
	}
}

// Close unsubscribes and waits for the forwarding goroutine to finish. The
// client is left open for its owner to close.
func (f *RedisFabric) Close() error {
	var err error
	f.closeOnce.Do(func() {
		err = f.pubsub.Close()
		<-f.done
	})
	return err
}
