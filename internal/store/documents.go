package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"geoattend/internal/model"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrWrongType = errors.New("key holds the wrong type")
)

// Documents is the secondary attendance store: one Redis hash per event
// plus a per-user sorted index.
type Documents struct {
	client *redis.Client
	prefix string
}

func NewDocuments(client *redis.Client) *Documents {
	return &Documents{client: client, prefix: "attendance:"}
}

func (d *Documents) key(id string) string { return d.prefix + id }

func (d *Documents) userIndex(userKey string) string { return d.prefix + "user:" + userKey }

func eventFields(evt model.AttendanceEvent) map[string]interface{} {
	return map[string]interface{}{
		"id":          evt.ID,
		"user_id":     evt.UserID,
		"user_key":    evt.UserKey,
		"user_name":   evt.UserName,
		"type":        string(evt.Type),
		"confidence":  strconv.FormatFloat(evt.Confidence, 'f', -1, 64),
		"site_id":     evt.SiteID,
		"date":        evt.Date,
		"time":        evt.Time,
		"status":      evt.Status,
		"source":      string(evt.Source),
		"recorded_at": evt.RecordedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (d *Documents) write(ctx context.Context, p redis.Pipeliner, id string, evt model.AttendanceEvent) {
	p.HSet(ctx, d.key(id), eventFields(evt))
	p.ZAdd(ctx, d.userIndex(evt.UserKey), redis.Z{Score: float64(evt.RecordedAt.UnixMilli()), Member: id})
}

// Set merges the event into its hash.
func (d *Documents) Set(ctx context.Context, id string, evt model.AttendanceEvent) error {
	_, err := d.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		d.write(ctx, p, id, evt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", id, err)
	}
	return nil
}

// SetTx writes the event and its index entry in one MULTI/EXEC. Both keys
// are watched and type-checked first, since Redis does not roll back a
// transaction whose commands fail at run time.
func (d *Documents) SetTx(ctx context.Context, id string, evt model.AttendanceEvent) error {
	docKey, indexKey := d.key(id), d.userIndex(evt.UserKey)
	err := d.client.Watch(ctx, func(tx *redis.Tx) error {
		if err := checkType(ctx, tx, docKey, "hash"); err != nil {
			return err
		}
		if err := checkType(ctx, tx, indexKey, "zset"); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			d.write(ctx, p, id, evt)
			return nil
		})
		return err
	}, docKey, indexKey)
	if err != nil {
		return fmt.Errorf("set tx %s: %w", id, err)
	}
	return nil
}

func checkType(ctx context.Context, tx *redis.Tx, key, want string) error {
	typ, err := tx.Type(ctx, key).Result()
	if err != nil {
		return err
	}
	if typ != "none" && typ != want {
		return fmt.Errorf("%w: %s is a %s", ErrWrongType, key, typ)
	}
	return nil
}

// Delete removes an event hash. A dangling index entry is skipped by
// ListByUser.
func (d *Documents) Delete(ctx context.Context, id string) error {
	if err := d.client.Del(ctx, d.key(id)).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

// Get loads one event.
func (d *Documents) Get(ctx context.Context, id string) (model.AttendanceEvent, error) {
	vals, err := d.client.HGetAll(ctx, d.key(id)).Result()
	if err != nil {
		return model.AttendanceEvent{}, err
	}
	if len(vals) == 0 {
		return model.AttendanceEvent{}, ErrNotFound
	}
	conf, _ := strconv.ParseFloat(vals["confidence"], 64)
	at, _ := time.Parse(time.RFC3339Nano, vals["recorded_at"])
	return model.AttendanceEvent{
		ID:         vals["id"],
		UserID:     vals["user_id"],
		UserKey:    vals["user_key"],
		UserName:   vals["user_name"],
		Type:       model.Type(vals["type"]),
		Confidence: conf,
		SiteID:     vals["site_id"],
		Date:       vals["date"],
		Time:       vals["time"],
		Status:     vals["status"],
		Source:     model.Source(vals["source"]),
		RecordedAt: at,
	}, nil
}

// ListByUser returns a user's events, newest first.
func (d *Documents) ListByUser(ctx context.Context, userKey string, limit int64) ([]model.AttendanceEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := d.client.ZRevRange(ctx, d.userIndex(userKey), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.AttendanceEvent, 0, len(ids))
	for _, id := range ids {
		evt, err := d.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, evt)
	}
	return out, nil
}
