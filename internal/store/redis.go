package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"smart-obd/core/internal/config"
	"smart-obd/core/internal/domain"
)

type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, cfg *config.Config) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Client() *redis.Client {
	return r.client
}

// UpdateVehicleState mirrors the newest sensor values into a per-vehicle
// hash with a short TTL, so a stalled pipeline shows up as absent state
// rather than stale numbers.
func (r *RedisStore) UpdateVehicleState(ctx context.Context, rds []*domain.Reading) error {
	if len(rds) == 0 {
		return nil
	}

	byVehicle := make(map[string]map[string]interface{})
	for _, rd := range rds {
		fields, ok := byVehicle[rd.VehicleID]
		if !ok {
			fields = make(map[string]interface{})
			byVehicle[rd.VehicleID] = fields
		}
		fields[rd.Metric] = rd.Value
		fields[rd.Metric+"_at"] = rd.Timestamp.Unix()
	}

	pipe := r.client.Pipeline()
	for vehicleID, fields := range byVehicle {
		key := fmt.Sprintf("vehicle:%s:state", vehicleID)
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, 60*time.Second)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// GetAPIKey resolves an operator API key to its owner, "" when unknown.
func (r *RedisStore) GetAPIKey(ctx context.Context, apiKey string) (string, error) {
	key := fmt.Sprintf("operator:auth:%s", apiKey)
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get api key failed: %w", err)
	}
	return val, nil
}

// Notify publishes the alert to the vehicle's alert channel and stamps a
// dedup marker other consumers can observe. Implements the dispatcher's
// Notifier contract; errors are retryable upstream.
func (r *RedisStore) Notify(ctx context.Context, a *domain.Alert) error {
	payload, err := json.Marshal(map[string]interface{}{
		"id":           a.ID,
		"vehicle_id":   a.VehicleID,
		"subsystem":    string(a.Subsystem),
		"severity":     string(a.Severity),
		"message":      a.Message,
		"failure_prob": a.FailureProb,
		"confidence":   a.Confidence,
		"triggered_at": a.TriggeredAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	channel := fmt.Sprintf("vehicle:%s:alerts", a.VehicleID)
	marker := fmt.Sprintf("alert:%s:%s:%s", a.VehicleID, a.Subsystem, a.Severity)

	pipe := r.client.Pipeline()
	pipe.Publish(ctx, channel, payload)
	pipe.Set(ctx, marker, a.ID, 5*time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis alert publish failed: %w", err)
	}
	return nil
}
