package sys

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/floegence/flowersec/flowersec-go/rpc"
	rpctyped "github.com/floegence/flowersec/flowersec-go/rpc/typed"
	"github.com/floegence/redeven-impact/internal/session"
)

// Both type ids sit just below the impact RPC range (7001..7015).
const (
	// TypeID_SYS_MONITOR reports resource usage of the engine process.
	TypeID_SYS_MONITOR uint32 = 6999
	// TypeID_SYS_PING is a side-effect-free health check.
	TypeID_SYS_PING uint32 = 7000
)

type Options struct {
	Logger    *slog.Logger
	Version   string
	Commit    string
	BuildTime string
	// Now is used for server_time_ms. Nil means time.Now.
	Now func() time.Time
}

type Service struct {
	log       *slog.Logger
	version   string
	commit    string
	buildTime string
	startedAt time.Time
	now       func() time.Time

	mon *monitor
}

func NewService(opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	s := &Service{
		log:       logger,
		version:   strings.TrimSpace(opts.Version),
		commit:    strings.TrimSpace(opts.Commit),
		buildTime: strings.TrimSpace(opts.BuildTime),
		startedAt: now(),
		now:       now,
	}
	s.mon = &monitor{s: s}
	return s
}

// Register exposes ping and monitor to any peer that may read.
func (s *Service) Register(r *rpc.Router, meta *session.Meta) {
	if s == nil || r == nil {
		return
	}

	rpctyped.Register[pingReq, pingResp](r, TypeID_SYS_PING, func(_ context.Context, _ *pingReq) (*pingResp, error) {
		if meta == nil || !meta.CanRead {
			return nil, &rpc.Error{Code: 403, Message: "read permission denied"}
		}
		now := s.now()
		return &pingResp{
			ServerTimeMs: now.UnixMilli(),
			UptimeMs:     now.Sub(s.startedAt).Milliseconds(),
			Version:      s.version,
			Commit:       s.commit,
			BuildTime:    s.buildTime,
			UserID:       meta.UserID,
			CanWrite:     meta.CanWrite,
		}, nil
	})

	rpctyped.Register[monitorReq, monitorResp](r, TypeID_SYS_MONITOR, func(ctx context.Context, _ *monitorReq) (*monitorResp, error) {
		if meta == nil || !meta.CanRead {
			return nil, &rpc.Error{Code: 403, Message: "read permission denied"}
		}
		snap := s.mon.snapshot(ctx)
		return &snap, nil
	})
}

type pingReq struct{}

type pingResp struct {
	ServerTimeMs int64  `json:"server_time_ms,omitempty"`
	UptimeMs     int64  `json:"uptime_ms"`
	Version      string `json:"version,omitempty"`
	Commit       string `json:"commit,omitempty"`
	BuildTime    string `json:"build_time,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	CanWrite     bool   `json:"can_write"`
}

type monitorReq struct{}
