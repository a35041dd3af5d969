package settings

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/waypoint/internal/geo"
)

const (
	fieldEnabled      = "enabled"
	fieldPollInterval = "poll_interval_seconds"
	fieldLastLat      = "last_known_latitude"
	fieldLastLng      = "last_known_longitude"
	fieldLastPlace    = "last_known_place_name"
)

// RedisStore keeps each user's tracking config in a Redis hash.
type RedisStore struct {
	R      *redis.Client
	Prefix string
}

// NewRedisStore builds a store over the given client.
func NewRedisStore(r *redis.Client) *RedisStore {
	return &RedisStore{R: r, Prefix: "waypoint:tracking"}
}

func (s *RedisStore) key(userID string) string {
	prefix := s.Prefix
	if prefix == "" {
		prefix = "waypoint:tracking"
	}
	return prefix + ":" + userID
}

// Load reads the stored config, returning zero-value defaults for a user with
// no stored state.
func (s *RedisStore) Load(ctx context.Context, userID string) (geo.TrackingConfig, error) {
	if s.R == nil {
		return geo.TrackingConfig{}, errors.New("settings: redis client not configured")
	}
	if userID == "" {
		return geo.TrackingConfig{}, errors.New("settings: user id is required")
	}
	fields, err := s.R.HGetAll(ctx, s.key(userID)).Result()
	if err != nil {
		return geo.TrackingConfig{}, fmt.Errorf("settings: load config: %w", err)
	}

	var cfg geo.TrackingConfig
	if v, ok := fields[fieldEnabled]; ok {
		cfg.Enabled = v == "1" || v == "true"
	}
	if v, ok := fields[fieldPollInterval]; ok {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.PollIntervalSeconds = parsed
		}
	}
	if v, ok := fields[fieldLastLat]; ok {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.LastKnownLatitude = &parsed
		}
	}
	if v, ok := fields[fieldLastLng]; ok {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.LastKnownLongitude = &parsed
		}
	}
	cfg.LastKnownPlaceName = fields[fieldLastPlace]
	return cfg, nil
}

// Save applies the non-nil patch fields to the stored hash.
func (s *RedisStore) Save(ctx context.Context, userID string, patch Patch) error {
	if s.R == nil {
		return errors.New("settings: redis client not configured")
	}
	if userID == "" {
		return errors.New("settings: user id is required")
	}
	values := make(map[string]any, 5)
	if patch.Enabled != nil {
		values[fieldEnabled] = boolField(*patch.Enabled)
	}
	if patch.PollIntervalSeconds != nil {
		values[fieldPollInterval] = strconv.Itoa(*patch.PollIntervalSeconds)
	}
	if patch.LastKnownLatitude != nil {
		values[fieldLastLat] = strconv.FormatFloat(*patch.LastKnownLatitude, 'f', -1, 64)
	}
	if patch.LastKnownLongitude != nil {
		values[fieldLastLng] = strconv.FormatFloat(*patch.LastKnownLongitude, 'f', -1, 64)
	}
	if patch.LastKnownPlaceName != nil {
		values[fieldLastPlace] = *patch.LastKnownPlaceName
	}
	if len(values) == 0 {
		return nil
	}
	if err := s.R.HSet(ctx, s.key(userID), values).Err(); err != nil {
		return fmt.Errorf("settings: save config: %w", err)
	}
	return nil
}

func boolField(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
