package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/floegence/flowersec/flowersec-go/rpc"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/floegence/redeven-impact/internal/config"
	"github.com/floegence/redeven-impact/internal/impact"
	"github.com/floegence/redeven-impact/internal/lockfile"
	"github.com/floegence/redeven-impact/internal/session"
	"github.com/floegence/redeven-impact/internal/sys"
)

func serveCmd(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := configFlag(fs)
	listen := fs.String("listen", "", "Listen address (default: config listen_addr or 127.0.0.1:7420)")
	_ = fs.Parse(args)

	a, err := openApp(appOptions{ConfigPath: *cfgPath, LogOut: os.Stdout})
	if err != nil {
		return err
	}
	defer a.Close()

	lk, err := lockfile.Acquire(a.paths.LockPath)
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyLocked) {
			return fmt.Errorf("another impactd is already using %s", a.paths.StateDir)
		}
		return err
	}
	defer func() { _ = lk.Release() }()

	addr := strings.TrimSpace(*listen)
	if addr == "" {
		addr = a.cfg.ResolvedListenAddr()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	sched, err := impact.NewScheduler(impact.SchedulerOptions{
		Logger:  a.log,
		Queue:   a.store,
		Starter: a.engine,
	})
	if err != nil {
		_ = ln.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &rpcServer{
		log:       a.log,
		engine:    a.engine,
		scheduler: sched,
		artefacts: a.store,
		policy:    a.cfg.PermissionPolicy,
		sys: sys.NewService(sys.Options{
			Logger:    a.log,
			Version:   Version,
			Commit:    Commit,
			BuildTime: BuildTime,
		}),
	}

	a.log.Info("impactd serving", "addr", ln.Addr().String(), "state_dir", a.paths.StateDir, "version", Version)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx)
	})
	g.Go(func() error {
		return srv.serve(gctx, ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		_ = ln.Close()
		return nil
	})

	err = g.Wait()
	srv.wait()
	a.engine.Close()
	a.log.Info("impactd stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// rpcServer binds one flowersec RPC server to each accepted connection.
type rpcServer struct {
	log       *slog.Logger
	engine    *impact.Engine
	scheduler *impact.Scheduler
	artefacts impact.ArtefactSource
	policy    *config.PermissionPolicy
	sys       *sys.Service

	wg sync.WaitGroup
}

func (s *rpcServer) serve(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *rpcServer) wait() {
	s.wg.Wait()
}

func (s *rpcServer) handle(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	meta := peerMeta(conn.RemoteAddr(), s.policy, time.Now())
	log := s.log.With("connection_id", meta.ConnectionID, "user_id", meta.UserID)
	log.Info("rpc connection accepted", "can_read", meta.CanRead, "can_write", meta.CanWrite)

	router := rpc.NewRouter()
	server := rpc.NewServer(conn, router)
	s.engine.RegisterRPC(router, meta, server)
	s.scheduler.RegisterRPC(router, meta, s.artefacts)
	s.sys.Register(router, meta)
	defer s.engine.DetachStream(server)

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-cctx.Done()
		_ = conn.Close()
	}()

	if err := server.Serve(cctx); err != nil && cctx.Err() == nil {
		log.Debug("rpc connection closed", "error", err)
		return
	}
	log.Info("rpc connection closed")
}

// peerMeta derives the session of an accepted connection. Peers are named
// after their remote IP so by_user policy entries can cap them.
func peerMeta(remote net.Addr, policy *config.PermissionPolicy, now time.Time) *session.Meta {
	host := ""
	if remote != nil {
		host = remote.String()
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
	}
	userID := "peer:" + host
	perm := policy.ResolveCap(userID)
	return &session.Meta{
		ConnectionID:    uuid.NewString(),
		UserID:          userID,
		CanRead:         perm.Read,
		CanWrite:        perm.Write && perm.Read,
		CreatedAtUnixMs: now.UnixMilli(),
	}
}

func pingCmd(args []string) error {
	fs := flag.NewFlagSet("ping", flag.ExitOnError)
	cfgPath := configFlag(fs)
	addr := fs.String("addr", "", "Server address (default: config listen_addr)")
	timeout := fs.Duration("timeout", 5*time.Second, "Request timeout")
	stats := fs.Bool("monitor", false, "Print process resource usage instead of build information")
	_ = fs.Parse(args)

	target := strings.TrimSpace(*addr)
	if target == "" {
		cfg, err := config.LoadOrDefault(resolveConfigPath(*cfgPath))
		if err != nil {
			return err
		}
		target = cfg.ResolvedListenAddr()
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	typeID := sys.TypeID_SYS_PING
	if *stats {
		typeID = sys.TypeID_SYS_MONITOR
	}
	var out map[string]any
	if err := callServer(ctx, target, typeID, struct{}{}, &out); err != nil {
		return err
	}
	return printJSON(os.Stdout, out)
}

// callServer sends one RPC to a running impactd and decodes the reply into resp.
func callServer(ctx context.Context, addr string, typeID uint32, req any, resp any) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	client := rpc.NewClient(conn)
	payload, rpcErr, err := client.Call(ctx, typeID, b)
	if err != nil {
		return err
	}
	if rpcErr != nil {
		msg := ""
		if rpcErr.Message != nil {
			msg = *rpcErr.Message
		}
		return fmt.Errorf("request refused (%d): %s", rpcErr.Code, msg)
	}
	if resp == nil {
		return nil
	}
	return json.Unmarshal(payload, resp)
}
