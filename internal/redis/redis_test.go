package redis

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return &Client{rdb: rdb, logger: zap.NewNop()}, mr
}

func TestNew(t *testing.T) {
	mr := miniredis.RunT(t)
	host, portStr, _ := net.SplitHostPort(mr.Addr())
	port, _ := strconv.Atoi(portStr)

	client, err := New(context.Background(), Config{Host: host, Port: port}, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer client.Close()

	if err := client.Health(context.Background()); err != nil {
		t.Errorf("Health() error = %v", err)
	}

	mr.Close()
	if err := client.Health(context.Background()); err == nil {
		t.Error("Health() should fail once redis is gone")
	}
}

func TestNew_Unreachable(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	if _, err := New(context.Background(), Config{Host: "127.0.0.1", Port: port}, zap.NewNop()); err == nil {
		t.Error("expected error for unreachable redis")
	}
}
