package userws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"clodds/pkg/types"
)

func TestGetOrCreateDedupesInflight(t *testing.T) {
	t.Parallel()

	// No auto-ack: both callers stay pending on the same attempt.
	srv := newWSServer(t, "")
	m := NewManager(srv.url(), testLogger())

	type result struct {
		sock *Socket
		err  error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			s, err := m.GetOrCreate(ctx, "u1", testCreds())
			results <- result{s, err}
		}()
	}

	// Exactly one subscribe frame means one underlying attempt.
	select {
	case <-srv.subscribes:
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe frame arrived")
	}
	time.Sleep(50 * time.Millisecond)
	if n := srv.connCount(); n != 1 {
		t.Fatalf("connections = %d, want 1 for deduped callers", n)
	}

	srv.send(`{"type":"subscribed","channel":"user"}`)

	var socks []*Socket
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			if r.err != nil {
				t.Fatalf("getOrCreate: %v", r.err)
			}
			socks = append(socks, r.sock)
		case <-time.After(2 * time.Second):
			t.Fatal("getOrCreate did not resolve")
		}
	}
	defer m.DisconnectAll()

	if socks[0] != socks[1] {
		t.Error("deduped callers should share one socket")
	}
	if n := srv.connCount(); n != 1 {
		t.Errorf("connections = %d, want 1", n)
	}

	m.mu.Lock()
	if len(m.inflight) != 0 {
		t.Error("inflight entry not cleared after resolution")
	}
	m.mu.Unlock()
}

func TestGetOrCreateReturnsConnectedSocket(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t, "user")
	m := NewManager(srv.url(), testLogger())
	defer m.DisconnectAll()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	first, err := m.GetOrCreate(ctx, "u1", testCreds())
	if err != nil {
		t.Fatalf("getOrCreate: %v", err)
	}
	second, err := m.GetOrCreate(ctx, "u1", testCreds())
	if err != nil {
		t.Fatalf("getOrCreate: %v", err)
	}

	if first != second {
		t.Error("connected socket should be reused")
	}
	if n := srv.connCount(); n != 1 {
		t.Errorf("connections = %d, want 1", n)
	}
}

func TestGetOrCreateReplacesDeadSocket(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t, "user")
	m := NewManager(srv.url(), testLogger())
	defer m.DisconnectAll()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	first, err := m.GetOrCreate(ctx, "u1", testCreds())
	if err != nil {
		t.Fatalf("getOrCreate: %v", err)
	}

	// Kill the socket behind the manager's back; the next call must build
	// a replacement instead of returning the corpse.
	first.Disconnect()

	second, err := m.GetOrCreate(ctx, "u1", testCreds())
	if err != nil {
		t.Fatalf("getOrCreate after death: %v", err)
	}
	if second == first {
		t.Error("dead socket should be replaced, not returned")
	}
	if !second.Connected() {
		t.Error("replacement socket should be connected")
	}
	if n := srv.connCount(); n != 2 {
		t.Errorf("connections = %d, want 2", n)
	}
}

func TestManagerFanout(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t, "user")
	m := NewManager(srv.url(), testLogger())
	defer m.DisconnectAll()

	var mu sync.Mutex
	var gotUser string
	var gotFill types.Fill
	fills := make(chan struct{}, 1)
	m.OnFill(func(userID string, f types.Fill) {
		mu.Lock()
		gotUser, gotFill = userID, f
		mu.Unlock()
		fills <- struct{}{}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := m.GetOrCreate(ctx, "u42", testCreds()); err != nil {
		t.Fatalf("getOrCreate: %v", err)
	}

	srv.send(`{"event_type":"trade","id":"t1","market":"0xc","asset_id":"111","side":"BUY","size":"10","price":"0.5","status":"MATCHED","timestamp":"1700000000000"}`)

	select {
	case <-fills:
	case <-time.After(2 * time.Second):
		t.Fatal("fill never fanned out")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotUser != "u42" {
		t.Errorf("userID = %q, want u42", gotUser)
	}
	if gotFill.Size != 10 || gotFill.Status != types.FillMatched {
		t.Errorf("fill = %+v", gotFill)
	}
}

func TestGetOrCreateHonorsCallerContext(t *testing.T) {
	t.Parallel()

	// Unroutable address: the dial cannot succeed, so the caller's short
	// deadline fires first.
	m := NewManager("ws://127.0.0.1:1", testLogger())
	defer m.DisconnectAll()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := m.GetOrCreate(ctx, "u1", testCreds())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestDisconnectRemovesSocket(t *testing.T) {
	t.Parallel()

	srv := newWSServer(t, "user")
	m := NewManager(srv.url(), testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	sock, err := m.GetOrCreate(ctx, "u1", testCreds())
	if err != nil {
		t.Fatalf("getOrCreate: %v", err)
	}

	m.Disconnect("u1")

	if sock.State() != StateDisconnected {
		t.Errorf("state = %s, want disconnected", sock.State())
	}
	if states := m.States(); len(states) != 0 {
		t.Errorf("states = %v, want empty after disconnect", states)
	}
}
