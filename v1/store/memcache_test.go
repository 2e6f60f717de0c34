package store

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	ferrors "github.com/mirkobrombin/go-fillcache/v1/errors"
)

func TestMemcacheExpiration(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := &Memcache{now: func() time.Time { return now }}

	cases := []struct {
		ttl  time.Duration
		want int32
	}{
		{0, 0},
		{-time.Second, 0},
		{100 * time.Millisecond, 1},
		{60 * time.Second, 60},
		{1500 * time.Millisecond, 2},
		{24 * time.Hour, 86400},
		{31 * 24 * time.Hour, int32(now.Unix() + 31*24*3600)},
	}
	for _, c := range cases {
		if got := m.expiration(c.ttl); got != c.want {
			t.Fatalf("expiration(%v) = %d, want %d", c.ttl, got, c.want)
		}
	}
}

func TestMemcacheUnavailable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	m := NewMemcache(memcache.New(addr))
	ctx := context.Background()

	if _, _, err := m.Get(ctx, "k"); !errors.Is(err, ferrors.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable from Get, got %v", err)
	}
	if _, err := m.SetNX(ctx, "lock:k", []byte("t"), time.Minute); !errors.Is(err, ferrors.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable from SetNX, got %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := m.Set(cancelled, "k", []byte("v"), time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// fakeMemcached serves the subset of the memcached text protocol the
// gomemcache client uses for get, set, add and delete.
type fakeMemcached struct {
	mu    sync.Mutex
	items map[string][]byte
	exps  map[string]int
}

func startFakeMemcached(t *testing.T) (*fakeMemcached, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	f := &fakeMemcached{items: make(map[string][]byte), exps: make(map[string]int)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	return f, ln.Addr().String()
}

func (f *fakeMemcached) serve(conn net.Conn) {
	defer conn.Close()
	rd := bufio.NewReader(conn)
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		var reply string
		switch fields[0] {
		case "get", "gets":
			var b strings.Builder
			f.mu.Lock()
			for _, k := range fields[1:] {
				if v, ok := f.items[k]; ok {
					fmt.Fprintf(&b, "VALUE %s 0 %d 1\r\n%s\r\n", k, len(v), v)
				}
			}
			f.mu.Unlock()
			b.WriteString("END\r\n")
			reply = b.String()
		case "set", "add":
			if len(fields) < 5 {
				return
			}
			exp, _ := strconv.Atoi(fields[3])
			n, _ := strconv.Atoi(fields[4])
			data := make([]byte, n+2)
			if _, err := io.ReadFull(rd, data); err != nil {
				return
			}
			f.mu.Lock()
			if _, exists := f.items[fields[1]]; fields[0] == "add" && exists {
				reply = "NOT_STORED\r\n"
			} else {
				f.items[fields[1]] = data[:n]
				f.exps[fields[1]] = exp
				reply = "STORED\r\n"
			}
			f.mu.Unlock()
		case "delete":
			f.mu.Lock()
			if _, ok := f.items[fields[1]]; ok {
				delete(f.items, fields[1])
				reply = "DELETED\r\n"
			} else {
				reply = "NOT_FOUND\r\n"
			}
			f.mu.Unlock()
		default:
			reply = "ERROR\r\n"
		}
		if _, err := io.WriteString(conn, reply); err != nil {
			return
		}
	}
}

func (f *fakeMemcached) expiration(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exps[key]
}

func TestMemcacheAgainstServer(t *testing.T) {
	fake, addr := startFakeMemcached(t)
	m := NewMemcache(memcache.New(addr))
	ctx := context.Background()

	if _, ok, err := m.Get(ctx, "abc"); ok || err != nil {
		t.Fatalf("expected clean miss, got ok %v err %v", ok, err)
	}
	if err := m.Set(ctx, "abc", []byte("42"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, ok, err := m.Get(ctx, "abc"); err != nil || !ok || string(v) != "42" {
		t.Fatalf("expected 42, got %q ok %v err %v", v, ok, err)
	}
	if exp := fake.expiration("abc"); exp != 60 {
		t.Fatalf("expected 60s expiration on the wire, got %d", exp)
	}

	if ok, err := m.SetNX(ctx, "lock:abc", []byte("a"), time.Minute); err != nil || !ok {
		t.Fatalf("first add: ok %v err %v", ok, err)
	}
	if ok, err := m.SetNX(ctx, "lock:abc", []byte("b"), time.Minute); err != nil || ok {
		t.Fatalf("second add should report held lock, got ok %v err %v", ok, err)
	}
	if v, _, _ := m.Get(ctx, "lock:abc"); string(v) != "a" {
		t.Fatalf("add overwrote the holder's token: %q", v)
	}

	if err := m.Delete(ctx, "lock:abc"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := m.Delete(ctx, "lock:abc"); err != nil {
		t.Fatalf("delete of missing key: %v", err)
	}
	if ok, err := m.SetNX(ctx, "lock:abc", []byte("c"), time.Minute); err != nil || !ok {
		t.Fatalf("add after delete: ok %v err %v", ok, err)
	}
}
