package config

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ConnectRedis dials redis when REDIS_ADDRESS is set. Returns nil clients
// otherwise: the store skips caching and the processor runs without a drain
// lease (single-worker assumption).
func ConnectRedis() (*redis.Client, *redislock.Client) {
	address := os.Getenv("REDIS_ADDRESS")
	if address == "" {
		log.Print("REDIS_ADDRESS not set; running without redis")
		return nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf("redis ping failed: %v; running without redis", err)
		return nil, nil
	}

	return rdb, redislock.New(rdb)
}
