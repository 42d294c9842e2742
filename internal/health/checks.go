package health

import (
	"context"
	"database/sql"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

const checkTimeout = 2 * time.Second

// Database pings the connection pool.
func Database(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// Redis pings the throttle store.
func Redis(client redis.Cmdable) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return Status{Name: "redis", Healthy: false, Detail: err.Error()}
		}
		return Status{Name: "redis", Healthy: true}
	}
}

// NATS reports the audit stream connection state. Reconnecting counts as
// unhealthy; events are buffered meanwhile.
func NATS(nc *nats.Conn) Checker {
	return func(_ context.Context) Status {
		if !nc.IsConnected() {
			return Status{Name: "nats", Healthy: false, Detail: nc.Status().String()}
		}
		return Status{Name: "nats", Healthy: true}
	}
}
