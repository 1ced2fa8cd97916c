package rediskv_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/andreyvit/tabkv"
	"github.com/andreyvit/tabkv/rediskv"
	"github.com/andreyvit/tabkv/storetest"
)

// Set TABKV_REDIS_ADDR (e.g. localhost:6379) to run against a live server.
func redisAddr(t *testing.T) string {
	addr := os.Getenv("TABKV_REDIS_ADDR")
	if addr == "" {
		t.Skip("TABKV_REDIS_ADDR not set")
	}
	return addr
}

func TestStore(t *testing.T) {
	addr := redisAddr(t)
	var n int
	storetest.Run(t, func(t *testing.T) tabkv.Store {
		n++
		ns := fmt.Sprintf("tabkvtest:%d:%d", time.Now().UnixNano(), n)
		s, err := rediskv.Dial(context.Background(), rediskv.Options{Addr: addr, Namespace: ns, PageSize: 1})
		if err != nil {
			t.Fatal(err)
		}
		// runs after the store is closed, so use a client of its own
		t.Cleanup(func() {
			c := redis.NewClient(&redis.Options{Addr: addr})
			defer c.Close()
			c.Del(context.Background(), ns+":keys", ns+":vals")
		})
		return s
	})
}

func TestDialFailure(t *testing.T) {
	_, err := rediskv.Dial(context.Background(), rediskv.Options{})
	if err == nil {
		t.Fatal("** Dial without an address succeeded")
	}
}
