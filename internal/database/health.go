package database

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// PingPostgres checks the pool behind db.
func PingPostgres(db *gorm.DB) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}

func PingRedis(client *redis.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

// PingNATS reports the connection state; the client reconnects on its own,
// so there is nothing to dial here.
func PingNATS(conn *nats.Conn) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if conn.IsConnected() {
			return nil
		}
		return fmt.Errorf("nats status %s", conn.Status())
	}
}
