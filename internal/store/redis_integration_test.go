//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: endpoint,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestRedisStore_Integration(t *testing.T) {
	client, cleanup := setupRedis(t)
	defer cleanup()

	storeContract(t, NewRedis(client, "test", time.Hour))
}

func TestRedisStore_Integration_ArchiveTTL(t *testing.T) {
	client, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	s := NewRedis(client, "ttl", time.Minute)

	p := newProcess(t, "proc-ttl")
	require.NoError(t, s.Save(ctx, p))

	ttl, err := client.TTL(ctx, "ttl:process:proc-ttl").Result()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-1), ttl, "active records never expire")

	p.Complete(time.Now())
	p.Archive(time.Now())
	require.NoError(t, s.Save(ctx, p))

	ttl, err = client.TTL(ctx, "ttl:process:proc-ttl").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)
}

func TestRedisStore_Integration_ListPrunesExpired(t *testing.T) {
	client, cleanup := setupRedis(t)
	defer cleanup()

	ctx := context.Background()
	s := NewRedis(client, "prune", time.Hour)

	require.NoError(t, s.Save(ctx, newProcess(t, "keep")))
	require.NoError(t, client.SAdd(ctx, "prune:processes", "gone").Err())

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "keep", string(all[0].ID))

	members, err := client.SMembers(ctx, "prune:processes").Result()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"keep"}, members)
}
