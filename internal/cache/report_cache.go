// Package cache keeps generated admin reports in Redis so that repeated
// dashboard refreshes do not page through Square's order search each time.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jogardn/donut-preorders/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const opTimeout = 2 * time.Second

type ReportCache struct {
	client *redis.Client
	logger *logrus.Logger
}

// NewRedisClient connects to addr and pings it once.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  opTimeout,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
	})

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", addr, err)
	}
	return client, nil
}

func NewReportCache(client *redis.Client, logger *logrus.Logger) *ReportCache {
	return &ReportCache{client: client, logger: logger}
}

// Get returns ok=false on a miss. A stored value that no longer decodes is
// treated as a miss and removed.
func (c *ReportCache) Get(ctx context.Context, key string) (*models.AdminReport, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}

	var report models.AdminReport
	if err := json.Unmarshal(data, &report); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("Discarding undecodable cached report")
		c.client.Del(ctx, key)
		return nil, false, nil
	}
	return &report, true, nil
}

func (c *ReportCache) Set(ctx context.Context, key string, report *models.AdminReport, ttl time.Duration) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (c *ReportCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *ReportCache) Close() error {
	return c.client.Close()
}
