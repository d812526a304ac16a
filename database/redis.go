package database

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisConnect opens one client per logical database and checks each one answers.
func RedisConnect(ctx context.Context, addr, password string, dbs []int, log *logrus.Entry) (map[int]*redis.Client, error) {
	clients := make(map[int]*redis.Client, len(dbs))
	for _, db := range dbs {
		if _, ok := clients[db]; ok {
			continue
		}
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			for _, c := range clients {
				_ = c.Close()
			}
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect redis db %d: %w", db, err)
		}
		clients[db] = client
	}

	log.WithField("databases", dbs).Info("connections opened to Redis")
	return clients, nil
}
