package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// Redis implements Store on Redis GEO commands: coordinates live in one
// GEOADD key, the flag metadata in a hash per driver, and the set of
// online+verified drivers in a plain set so Snapshot stays a cheap query.
type Redis struct {
	client *redis.Client
	geoKey string
}

func NewRedis(addr, password, geoKey string) *Redis {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &Redis{client: c, geoKey: geoKey}
}

func (r *Redis) SetOnline(ctx context.Context, driverID string, online bool) error {
	if err := r.client.HSet(ctx, metaKey(driverID), "online", strconv.FormatBool(online)).Err(); err != nil {
		return err
	}
	return r.refreshActive(ctx, driverID)
}

func (r *Redis) SetVerified(ctx context.Context, driverID string, verified bool) error {
	if err := r.client.HSet(ctx, metaKey(driverID), "verified", strconv.FormatBool(verified)).Err(); err != nil {
		return err
	}
	return r.refreshActive(ctx, driverID)
}

// UpdateLocation is last-write-wins by device timestamp. The check-then-set
// runs under WATCH so two in-flight pushes for the same driver cannot
// interleave and land the older coordinate last.
func (r *Redis) UpdateLocation(ctx context.Context, driverID string, loc models.Location, at time.Time) error {
	key := metaKey(driverID)
	lww := func(tx *redis.Tx) error {
		prev, err := tx.HGet(ctx, key, "updated").Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if err == nil {
			if ts, perr := time.Parse(time.RFC3339Nano, prev); perr == nil && at.Before(ts) {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{
				Name:      driverID,
				Longitude: loc.Longitude,
				Latitude:  loc.Latitude,
			})
			pipe.HSet(ctx, key, "updated", at.Format(time.RFC3339Nano))
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < 3; i++ {
		err = r.client.Watch(ctx, lww, key)
		if err != redis.TxFailedErr {
			return err
		}
		// a concurrent push touched the key; re-read and re-decide
	}
	return err
}

func (r *Redis) Get(ctx context.Context, driverID string) (models.DriverPresence, bool, error) {
	m, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil {
		return models.DriverPresence{}, false, err
	}
	if len(m) == 0 {
		return models.DriverPresence{}, false, nil
	}
	d := r.fromMeta(ctx, driverID, m)
	return d, true, nil
}

func (r *Redis) Snapshot(ctx context.Context) ([]models.DriverPresence, error) {
	ids, err := r.client.SMembers(ctx, r.activeKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.DriverPresence, 0, len(ids))
	for _, id := range ids {
		m, err := r.client.HGetAll(ctx, metaKey(id)).Result()
		if err != nil || len(m) == 0 {
			continue
		}
		d := r.fromMeta(ctx, id, m)
		if !d.Online || !d.Verified {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// refreshActive keeps the active set in sync with the flag hash.
func (r *Redis) refreshActive(ctx context.Context, driverID string) error {
	m, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil {
		return err
	}
	if m["online"] == "true" && m["verified"] == "true" {
		return r.client.SAdd(ctx, r.activeKey(), driverID).Err()
	}
	return r.client.SRem(ctx, r.activeKey(), driverID).Err()
}

func (r *Redis) fromMeta(ctx context.Context, driverID string, m map[string]string) models.DriverPresence {
	d := models.DriverPresence{
		DriverID: driverID,
		Online:   m["online"] == "true",
		Verified: m["verified"] == "true",
	}
	if v, ok := m["updated"]; ok {
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			d.UpdatedAt = ts
		}
	}
	if pos, err := r.client.GeoPos(ctx, r.geoKey, driverID).Result(); err == nil &&
		len(pos) == 1 && pos[0] != nil {
		d.LastLocation = &models.Location{Latitude: pos[0].Latitude, Longitude: pos[0].Longitude}
	}
	return d
}

func (r *Redis) activeKey() string { return r.geoKey + ":active" }

func metaKey(id string) string { return "driver:presence:" + id }
