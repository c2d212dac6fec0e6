package kvredis

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/VladimirMikulic/bullmq/bulltype"
	"github.com/VladimirMikulic/bullmq/kvdriver"
	"github.com/VladimirMikulic/bullmq/kvdriver/kvdrivertest"
)

func TestDriver(t *testing.T) {
	t.Parallel()

	redisURL := os.Getenv("TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("TEST_REDIS_URL not set")
	}

	opts, err := redis.ParseURL(redisURL)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	t.Cleanup(func() { require.NoError(t, client.Close()) })

	kvdrivertest.Exercise(context.Background(), t, func(t *testing.T, timeGenerator bulltype.TimeGenerator) kvdriver.Driver {
		t.Helper()
		return New(client, &Config{TimeGenerator: timeGenerator})
	})
}
