// Package presence publishes till connectivity to Redis so dashboards and
// sibling services can see which stores are online. Publishing is best
// effort: a Redis outage must never interfere with replication, so failures
// are logged and dropped. The whole feature is off unless a Redis address is
// configured.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/tillbridge/tillbridge/internal/config"
)

// Publisher records store liveness transitions.
type Publisher interface {
	// Online marks the pair connected. Called again on keep-alive to refresh
	// the expiry, so a crashed server's keys age out on their own.
	Online(ctx context.Context, storeID, appID string)
	Offline(ctx context.Context, storeID, appID string)
	Close() error
}

// New returns a Redis-backed publisher when an address is configured, and the
// no-op publisher otherwise.
func New(cfg *config.Config, log *logrus.Logger) (Publisher, error) {
	if cfg.RedisAddr == "" {
		return Noop{}, nil
	}
	return NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.PresenceTTL, log)
}

// Noop is the publisher used when presence is not configured.
type Noop struct{}

func (Noop) Online(context.Context, string, string)  {}
func (Noop) Offline(context.Context, string, string) {}
func (Noop) Close() error                            { return nil }

// RedisPublisher writes one TTL key per connected store.
type RedisPublisher struct {
	client *redis.Client
	ttl    time.Duration
	log    *logrus.Entry
}

// NewRedis connects to Redis and verifies it answers before returning.
func NewRedis(addr, password string, db int, ttl time.Duration, log *logrus.Logger) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisPublisher{
		client: client,
		ttl:    ttl,
		log:    log.WithField("component", "presence"),
	}, nil
}

func presenceKey(storeID, appID string) string {
	return "bridge:presence:" + storeID + ":" + appID
}

type record struct {
	StoreID string `json:"storeId"`
	AppID   string `json:"appId"`
	Since   string `json:"since"`
}

// Online implements Publisher.
func (p *RedisPublisher) Online(ctx context.Context, storeID, appID string) {
	data, err := json.Marshal(record{
		StoreID: storeID,
		AppID:   appID,
		Since:   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	if err := p.client.Set(ctx, presenceKey(storeID, appID), data, p.ttl).Err(); err != nil {
		p.log.WithFields(logrus.Fields{"store_id": storeID, "error": err}).
			Warn("presence publish failed")
	}
}

// Offline implements Publisher.
func (p *RedisPublisher) Offline(ctx context.Context, storeID, appID string) {
	if err := p.client.Del(ctx, presenceKey(storeID, appID)).Err(); err != nil {
		p.log.WithFields(logrus.Fields{"store_id": storeID, "error": err}).
			Warn("presence clear failed")
	}
}

// Close implements Publisher.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
