package sys

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/floegence/flowersec/flowersec-go/rpc"
	"github.com/floegence/redeven-impact/internal/session"
)

func serveSys(t *testing.T, s *Service, meta *session.Meta) *rpc.Client {
	t.Helper()

	serverConn, clientConn := net.Pipe()
	router := rpc.NewRouter()
	server := rpc.NewServer(serverConn, router)
	s.Register(router, meta)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		_ = clientConn.Close()
		_ = serverConn.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Errorf("rpc server did not stop")
		}
	})
	return rpc.NewClient(clientConn)
}

func newTestService(now func() time.Time) *Service {
	return NewService(Options{
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Version:   " v1.2.3 ",
		Commit:    "abc123",
		BuildTime: "2026-01-01T00:00:00Z",
		Now:       now,
	})
}

func TestPing(t *testing.T) {
	t.Parallel()

	start := time.UnixMilli(1_700_000_000_000)
	current := start
	s := newTestService(func() time.Time { return current })
	current = start.Add(1500 * time.Millisecond)

	client := serveSys(t, s, &session.Meta{UserID: "peer:127.0.0.1", CanRead: true})
	payload, rpcErr, err := client.Call(context.Background(), TypeID_SYS_PING, []byte(`{}`))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if rpcErr != nil {
		t.Fatalf("rpcErr=%+v", rpcErr)
	}

	var resp pingResp
	if err := json.Unmarshal(payload, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.UptimeMs != 1500 || resp.ServerTimeMs != current.UnixMilli() {
		t.Fatalf("resp=%+v", resp)
	}
	if resp.Version != "v1.2.3" || resp.Commit != "abc123" || resp.UserID != "peer:127.0.0.1" || resp.CanWrite {
		t.Fatalf("resp=%+v", resp)
	}
}

func TestRegister_RequiresRead(t *testing.T) {
	t.Parallel()

	s := newTestService(nil)
	client := serveSys(t, s, &session.Meta{UserID: "peer:10.0.0.1"})

	for _, typeID := range []uint32{TypeID_SYS_PING, TypeID_SYS_MONITOR} {
		_, rpcErr, err := client.Call(context.Background(), typeID, []byte(`{}`))
		if err != nil {
			t.Fatalf("Call type_id=%d: %v", typeID, err)
		}
		if rpcErr == nil || rpcErr.Code != 403 {
			t.Fatalf("Call type_id=%d: rpcErr=%+v, want 403", typeID, rpcErr)
		}
	}
}

func TestMonitor_SnapshotIsCached(t *testing.T) {
	t.Parallel()

	current := time.UnixMilli(1_700_000_000_000)
	s := newTestService(func() time.Time { return current })

	first := s.mon.snapshot(context.Background())
	if first.PID != int32(os.Getpid()) || first.Goroutines <= 0 || first.Platform == "" {
		t.Fatalf("snapshot=%+v", first)
	}

	current = current.Add(time.Second)
	if again := s.mon.snapshot(context.Background()); again.TimestampMs != first.TimestampMs {
		t.Fatalf("snapshot within ttl was recollected: %d != %d", again.TimestampMs, first.TimestampMs)
	}

	current = current.Add(monitorCacheTTL)
	if fresh := s.mon.snapshot(context.Background()); fresh.TimestampMs != current.UnixMilli() {
		t.Fatalf("snapshot after ttl: TimestampMs=%d, want %d", fresh.TimestampMs, current.UnixMilli())
	}
}
