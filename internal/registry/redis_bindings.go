package registry

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// compare-and-delete: only the holder of the binding may release it.
var unbindScript = redis.NewScript(`
if ARGV[1] == "" or redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisBindings keeps driver bindings in Redis so several engine processes
// share one serialization point per driver.
type RedisBindings struct {
	client *redis.Client
	prefix string
}

func NewRedisBindings(client *redis.Client) *RedisBindings {
	return &RedisBindings{client: client, prefix: "driver:active:"}
}

func (r *RedisBindings) key(driverID string) string { return r.prefix + driverID }

func (r *RedisBindings) Bind(ctx context.Context, driverID, requestID string) error {
	for i := 0; i < 3; i++ {
		ok, err := r.client.SetNX(ctx, r.key(driverID), requestID, 0).Result()
		if err != nil {
			return models.Transient(err)
		}
		if ok {
			return nil
		}
		cur, found, err := r.Get(ctx, driverID)
		if err != nil {
			return err
		}
		if !found {
			// released between SETNX and GET
			continue
		}
		if cur == requestID {
			return nil
		}
		return models.DriverBusyError(driverID, cur)
	}
	return models.Transient(errors.New("binding churn on " + driverID))
}

func (r *RedisBindings) Unbind(ctx context.Context, driverID, requestID string) (bool, error) {
	n, err := unbindScript.Run(ctx, r.client, []string{r.key(driverID)}, requestID).Int()
	if err != nil {
		return false, models.Transient(err)
	}
	return n > 0, nil
}

func (r *RedisBindings) Get(ctx context.Context, driverID string) (string, bool, error) {
	v, err := r.client.Get(ctx, r.key(driverID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, models.Transient(err)
	}
	return v, true, nil
}
