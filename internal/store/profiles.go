package store

import (
	"context"

	"github.com/redis/go-redis/v9"

	"geoattend/internal/model"
)

// Profiles keeps one Redis hash per device describing the worker using it.
type Profiles struct {
	client *redis.Client
}

func NewProfiles(client *redis.Client) *Profiles {
	return &Profiles{client: client}
}

func profileKey(deviceID string) string { return "profile:" + deviceID }

// Merge sets fields without touching the others.
func (p *Profiles) Merge(ctx context.Context, deviceID string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	vals := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		vals[k] = v
	}
	return p.client.HSet(ctx, profileKey(deviceID), vals).Err()
}

// Put stores the identity a device acts for.
func (p *Profiles) Put(ctx context.Context, id model.Identity) error {
	fields := map[string]string{"user_key": id.UserKey}
	if id.UserID != "" {
		fields["user_id"] = id.UserID
	}
	if id.UserName != "" {
		fields["user_name"] = id.UserName
	}
	return p.Merge(ctx, id.DeviceID, fields)
}

// Identity resolves the worker bound to deviceID.
func (p *Profiles) Identity(ctx context.Context, deviceID string) (model.Identity, error) {
	vals, err := p.client.HGetAll(ctx, profileKey(deviceID)).Result()
	if err != nil {
		return model.Identity{}, err
	}
	if vals["user_key"] == "" {
		return model.Identity{}, ErrNotFound
	}
	return model.Identity{
		DeviceID: deviceID,
		UserID:   vals["user_id"],
		UserKey:  vals["user_key"],
		UserName: vals["user_name"],
	}, nil
}
