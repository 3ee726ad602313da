//go:build integration

package testutil

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
)

// ExportDB is the Redis database integration tests export into.
const ExportDB = 9

// containerName is the docker container started by 'make redis-start'.
const containerName = "netconsole-test-redis"

// Redis is a handle on the test server's export database. Keys are
// addressed as TABLE|key.
type Redis struct {
	Addr   string
	DB     int
	client *redis.Client
}

// NewRedis connects to the test server, empties ExportDB and closes the
// client when the test ends. The test is skipped when no server is
// reachable.
func NewRedis(t *testing.T) *Redis {
	t.Helper()
	addr := redisAddr()
	if addr == "" {
		t.Skip("test Redis not available: set NETCONSOLE_TEST_REDIS_ADDR or run 'make redis-start'")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: ExportDB})
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("test Redis not reachable at %s: %v", addr, err)
	}
	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flushing DB %d: %v", ExportDB, err)
	}
	return &Redis{Addr: addr, DB: ExportDB, client: client}
}

// redisAddr prefers NETCONSOLE_TEST_REDIS_ADDR, then the container's IP.
func redisAddr() string {
	if addr := os.Getenv("NETCONSOLE_TEST_REDIS_ADDR"); addr != "" {
		return addr
	}
	out, err := exec.Command("docker", "inspect",
		"--format", "{{range .NetworkSettings.Networks}}{{.IPAddress}}{{end}}",
		containerName).Output()
	if err != nil {
		return ""
	}
	if ip := strings.TrimSpace(string(out)); ip != "" {
		return ip + ":6379"
	}
	return ""
}

// HSet writes fields into TABLE|key.
func (r *Redis) HSet(t *testing.T, table, key string, fields map[string]string) {
	t.Helper()
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	if err := r.client.HSet(context.Background(), table+"|"+key, values).Err(); err != nil {
		t.Fatalf("writing %s|%s: %v", table, key, err)
	}
}

// HGetAll reads TABLE|key.
func (r *Redis) HGetAll(t *testing.T, table, key string) map[string]string {
	t.Helper()
	vals, err := r.client.HGetAll(context.Background(), table+"|"+key).Result()
	if err != nil {
		t.Fatalf("reading %s|%s: %v", table, key, err)
	}
	return vals
}

// Exists reports whether TABLE|key is present.
func (r *Redis) Exists(t *testing.T, table, key string) bool {
	t.Helper()
	n, err := r.client.Exists(context.Background(), table+"|"+key).Result()
	if err != nil {
		t.Fatalf("checking %s|%s: %v", table, key, err)
	}
	return n > 0
}

// Context returns a context cancelled when the test ends, with a timeout
// long enough for a round trip to a container.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}
