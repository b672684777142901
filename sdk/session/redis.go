package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bertrandmartel/othent/sdk/logger"
	"github.com/go-redis/redis/v7"
	"github.com/rs/zerolog"
	uuid "github.com/satori/go.uuid"
)

// DefaultRedisNamespace is used when RedisOptions.Namespace is empty.
const DefaultRedisNamespace = "othent:device:default:"

type RedisOptions struct {
	// Namespace isolates one user agent's storage, e.g. "device:<id>:".
	// Every key and the storage scan stay under it.
	Namespace string
	// Expiration is applied to every key, 0 keeps them forever.
	Expiration time.Duration
	Logger     *zerolog.Logger
}

// RedisStorage is a durable store backed by redis. Mutations are published on
// a channel per namespace so that other instances sharing the namespace get
// storage events.
type RedisStorage struct {
	client     *redis.Client
	namespace  string
	expiration time.Duration
	origin     string
	log        zerolog.Logger
}

type redisStorageMessage struct {
	Origin string `json:"origin"`
	StorageEvent
}

func NewRedisStorage(client *redis.Client, opts RedisOptions) *RedisStorage {
	namespace := opts.Namespace
	if namespace == "" {
		namespace = DefaultRedisNamespace
	}
	return &RedisStorage{
		client:     client,
		namespace:  namespace,
		expiration: opts.Expiration,
		origin:     uuid.Must(uuid.NewV4()).String(),
		log:        logger.OrNop(opts.Logger),
	}
}

func (r *RedisStorage) channel() string {
	return r.namespace + "storage-events"
}

func (r *RedisStorage) GetItem(key string) (string, error) {
	value, err := r.client.Get(r.namespace + key).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (r *RedisStorage) SetItem(key string, value string) error {
	if err := r.client.Set(r.namespace+key, value, r.expiration).Err(); err != nil {
		return err
	}
	return r.publish(StorageEvent{Key: key, NewValue: &value})
}

func (r *RedisStorage) RemoveItem(key string) error {
	removed, err := r.client.Del(r.namespace + key).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return nil
	}
	return r.publish(StorageEvent{Key: key})
}

func (r *RedisStorage) Keys() ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := r.client.Scan(cursor, r.namespace+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range batch {
			keys = append(keys, strings.TrimPrefix(k, r.namespace))
		}
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func (r *RedisStorage) publish(e StorageEvent) error {
	payload, err := json.Marshal(redisStorageMessage{Origin: r.origin, StorageEvent: e})
	if err != nil {
		return err
	}
	return r.client.Publish(r.channel(), payload).Err()
}

// Watch delivers events published by other RedisStorage instances. It
// returns once the subscription is confirmed by the server.
func (r *RedisStorage) Watch(fn func(StorageEvent)) (func(), error) {
	pubsub := r.client.Subscribe(r.channel())
	if _, err := pubsub.Receive(); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", r.channel(), err)
	}
	go func() {
		for msg := range pubsub.Channel() {
			var m redisStorageMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				r.log.Warn().Err(err).Str("channel", msg.Channel).Msg("invalid storage event")
				continue
			}
			if m.Origin == r.origin {
				continue
			}
			fn(m.StorageEvent)
		}
	}()
	return func() {
		pubsub.Close()
	}, nil
}
