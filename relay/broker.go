package relay

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"github.com/duckduckfit/docsync/repo"
)

// Broker fans envelopes out to every socket of a room.
// Delivery is best effort.
type Broker interface {
	Publish(ctx context.Context, roomId string, envelope *Envelope) error
	// the returned function unsubscribes
	Subscribe(ctx context.Context, roomId string, callback EnvelopeFunction) (func(), error)
	Close() error
}

// MemoryBroker serves the rooms of a single relay process.
type MemoryBroker struct {
	stateLock sync.Mutex
	rooms     map[string]*repo.CallbackList[EnvelopeFunction]
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		rooms: map[string]*repo.CallbackList[EnvelopeFunction]{},
	}
}

func (self *MemoryBroker) Publish(ctx context.Context, roomId string, envelope *Envelope) error {
	self.stateLock.Lock()
	callbacks, ok := self.rooms[roomId]
	self.stateLock.Unlock()
	if !ok {
		return nil
	}
	for _, callback := range callbacks.Get() {
		repo.HandleError(func() {
			callback(envelope)
		})
	}
	return nil
}

func (self *MemoryBroker) Subscribe(ctx context.Context, roomId string, callback EnvelopeFunction) (func(), error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbacks, ok := self.rooms[roomId]
	if !ok {
		callbacks = repo.NewCallbackList[EnvelopeFunction]()
		self.rooms[roomId] = callbacks
	}
	remove := callbacks.Add(callback)
	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		remove()
		if callbacks.Len() == 0 && self.rooms[roomId] == callbacks {
			delete(self.rooms, roomId)
		}
	}, nil
}

func (self *MemoryBroker) RoomCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.rooms)
}

func (self *MemoryBroker) Close() error {
	return nil
}

const DefaultRedisChannelPrefix = "docsync:room:"

// RedisBroker shares rooms between relay processes over redis pub/sub.
type RedisBroker struct {
	client        *redis.Client
	channelPrefix string
}

func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{
		client:        client,
		channelPrefix: DefaultRedisChannelPrefix,
	}
}

func NewRedisBrokerWithAddr(ctx context.Context, addr string) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return NewRedisBroker(client), nil
}

func (self *RedisBroker) channel(roomId string) string {
	return self.channelPrefix + roomId
}

func (self *RedisBroker) Publish(ctx context.Context, roomId string, envelope *Envelope) error {
	message, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return self.client.Publish(ctx, self.channel(roomId), message).Err()
}

func (self *RedisBroker) Subscribe(ctx context.Context, roomId string, callback EnvelopeFunction) (func(), error) {
	pubsub := self.client.Subscribe(ctx, self.channel(roomId))
	// wait for the subscription so that a following publish is seen
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	go func() {
		for message := range pubsub.Channel() {
			var envelope Envelope
			if err := json.Unmarshal([]byte(message.Payload), &envelope); err != nil {
				glog.Infof("[relay]redis %s decode error = %s\n", roomId, err)
				continue
			}
			repo.HandleError(func() {
				callback(&envelope)
			})
		}
	}()

	var closeOnce sync.Once
	return func() {
		closeOnce.Do(func() {
			pubsub.Close()
		})
	}, nil
}

func (self *RedisBroker) Close() error {
	return self.client.Close()
}
