package impact

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/floegence/flowersec/flowersec-go/rpc"
	rpctyped "github.com/floegence/flowersec/flowersec-go/rpc/typed"
	"github.com/floegence/redeven-impact/internal/session"
)

const (
	TypeID_IMPACT_ANALYSIS_START      uint32 = 7001
	TypeID_IMPACT_RUN_GET             uint32 = 7002
	TypeID_IMPACT_RUNS_LIST           uint32 = 7003
	TypeID_IMPACT_ITEMS_LIST          uint32 = 7004
	TypeID_IMPACT_ITEM_SET_STATUS     uint32 = 7005
	TypeID_IMPACT_LINK_ADD            uint32 = 7006
	TypeID_IMPACT_LINK_REMOVE         uint32 = 7007
	TypeID_IMPACT_LINKS_LIST          uint32 = 7008
	TypeID_IMPACT_DIFF                uint32 = 7009
	TypeID_IMPACT_SUGGEST             uint32 = 7010
	TypeID_IMPACT_SUGGESTIONS_LIST    uint32 = 7011
	TypeID_IMPACT_SUGGESTION_DECIDE   uint32 = 7012
	TypeID_IMPACT_SUBSCRIBE           uint32 = 7013
	TypeID_IMPACT_RUN_FINISHED_NOTIFY uint32 = 7014 // notify (engine -> client)
	TypeID_IMPACT_SCHEDULE            uint32 = 7015
)

type analysisStartReq struct {
	ArtefactID            string  `json:"artefact_id"`
	ComparisonContent     *string `json:"comparison_content,omitempty"`
	ComparisonContentType string  `json:"comparison_content_type,omitempty"`
	TriggerChangeSetID    string  `json:"trigger_change_set_id,omitempty"`
}

type analysisStartResp struct {
	RunID string `json:"run_id"`
}

type runGetReq struct {
	RunID string `json:"run_id"`
}

type runGetResp struct {
	Run *Run `json:"run"`
}

type runsListReq struct {
	ArtefactID string `json:"artefact_id"`
	Limit      int    `json:"limit,omitempty"`
}

type runsListResp struct {
	Runs []Run `json:"runs"`
}

type itemsListReq struct {
	RunID string `json:"run_id"`
}

type itemsListResp struct {
	Items []Item `json:"items"`
}

type itemSetStatusReq struct {
	ItemID string `json:"item_id"`
	Status string `json:"status"`
}

type itemSetStatusResp struct {
	Item *Item `json:"item"`
}

type linkAddReq struct {
	ArtefactID string  `json:"artefact_id"`
	TargetType string  `json:"target_type"`
	TargetID   string  `json:"target_id"`
	LinkType   string  `json:"link_type,omitempty"`
	DataKind   string  `json:"data_kind,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Source     string  `json:"link_source,omitempty"`
}

type linkAddResp struct {
	Edge Edge `json:"edge"`
}

type linkRemoveReq struct {
	EdgeID string `json:"edge_id"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type linksListReq struct {
	ArtefactID string `json:"artefact_id"`
}

type linksListResp struct {
	Graph Graph `json:"graph"`
}

// diffReq compares two runs, or the two latest completed runs of
// ArtefactID when the run ids are empty.
type diffReq struct {
	ArtefactID string `json:"artefact_id,omitempty"`
	OlderRunID string `json:"older_run_id,omitempty"`
	NewerRunID string `json:"newer_run_id,omitempty"`
}

type diffResp struct {
	Diff Diff `json:"diff"`
}

type suggestReq struct {
	ArtefactID string `json:"artefact_id"`
}

type suggestionsResp struct {
	Suggestions []Suggestion `json:"suggestions"`
}

type suggestionsListReq struct {
	ArtefactID string `json:"artefact_id"`
	Status     string `json:"status,omitempty"`
}

type suggestionDecideReq struct {
	SuggestionID string `json:"suggestion_id"`
	Accept       bool   `json:"accept"`
}

type suggestionDecideResp struct {
	Status SuggestionStatus `json:"status"`
	Edge   *Edge            `json:"edge,omitempty"`
}

type subscribeReq struct{}

type subscribeResp struct {
	OK bool `json:"ok"`
}

func denyRead(meta *session.Meta) *rpc.Error {
	if meta == nil || !meta.CanRead {
		return &rpc.Error{Code: 403, Message: "read permission denied"}
	}
	return nil
}

func denyWrite(meta *session.Meta) *rpc.Error {
	if meta == nil || !meta.CanRead || !meta.CanWrite {
		return &rpc.Error{Code: 403, Message: "read/write permission denied"}
	}
	return nil
}

// RegisterRPC exposes the engine on r for one connection. meta carries the
// connection's permissions; streamServer receives run-finished notifications
// after the client subscribes.
func (e *Engine) RegisterRPC(r *rpc.Router, meta *session.Meta, streamServer *rpc.Server) {
	if e == nil || r == nil {
		return
	}

	rpctyped.Register[analysisStartReq, analysisStartResp](r, TypeID_IMPACT_ANALYSIS_START, func(ctx context.Context, req *analysisStartReq) (*analysisStartResp, error) {
		if err := denyWrite(meta); err != nil {
			return nil, err
		}
		if req == nil {
			return nil, &rpc.Error{Code: 400, Message: "invalid payload"}
		}
		runID, err := e.StartAnalysis(ctx, AnalysisRequest{
			ArtefactID:            req.ArtefactID,
			ComparisonContent:     req.ComparisonContent,
			ComparisonContentType: req.ComparisonContentType,
			TriggerChangeSetID:    req.TriggerChangeSetID,
		})
		if err != nil {
			return nil, toImpactRPCError(err)
		}
		return &analysisStartResp{RunID: runID}, nil
	})

	rpctyped.Register[runGetReq, runGetResp](r, TypeID_IMPACT_RUN_GET, func(ctx context.Context, req *runGetReq) (*runGetResp, error) {
		if err := denyRead(meta); err != nil {
			return nil, err
		}
		if req == nil {
			return nil, &rpc.Error{Code: 400, Message: "invalid payload"}
		}
		run, err := e.GetRun(ctx, req.RunID)
		if err != nil {
			return nil, toImpactRPCError(err)
		}
		return &runGetResp{Run: run}, nil
	})

	rpctyped.Register[runsListReq, runsListResp](r, TypeID_IMPACT_RUNS_LIST, func(ctx context.Context, req *runsListReq) (*runsListResp, error) {
		if err := denyRead(meta); err != nil {
			return nil, err
		}
		if req == nil || strings.TrimSpace(req.ArtefactID) == "" {
			return nil, &rpc.Error{Code: 400, Message: "missing artefact_id"}
		}
		limit := req.Limit
		if limit <= 0 {
			limit = 50
		}
		if limit > 500 {
			limit = 500
		}
		runs, err := e.ListRuns(ctx, req.ArtefactID, limit)
		if err != nil {
			return nil, toImpactRPCError(err)
		}
		return &runsListResp{Runs: runs}, nil
	})

	rpctyped.Register[itemsListReq, itemsListResp](r, TypeID_IMPACT_ITEMS_LIST, func(ctx context.Context, req *itemsListReq) (*itemsListResp, error) {
		if err := denyRead(meta); err != nil {
			return nil, err
		}
		if req == nil {
			return nil, &rpc.Error{Code: 400, Message: "invalid payload"}
		}
		items, err := e.ListItems(ctx, req.RunID)
		if err != nil {
			return nil, toImpactRPCError(err)
		}
		return &itemsListResp{Items: items}, nil
	})

	rpctyped.Register[itemSetStatusReq, itemSetStatusResp](r, TypeID_IMPACT_ITEM_SET_STATUS, func(ctx context.Context, req *itemSetStatusReq) (*itemSetStatusResp, error) {
		if err := denyWrite(meta); err != nil {
			return nil, err
		}
		if req == nil {
			return nil, &rpc.Error{Code: 400, Message: "invalid payload"}
		}
		it, err := e.SetItemStatus(ctx, req.ItemID, req.Status, meta.Actor())
		if err != nil {
			return nil, toImpactRPCError(err)
		}
		return &itemSetStatusResp{Item: it}, nil
	})

	rpctyped.Register[linkAddReq, linkAddResp](r, TypeID_IMPACT_LINK_ADD, func(ctx context.Context, req *linkAddReq) (*linkAddResp, error) {
		if err := denyWrite(meta); err != nil {
			return nil, err
		}
		if req == nil {
			return nil, &rpc.Error{Code: 400, Message: "invalid payload"}
		}
		edge, err := e.AddLink(ctx, req.ArtefactID, Edge{
			TargetType: TargetType(req.TargetType),
			TargetID:   req.TargetID,
			LinkType:   req.LinkType,
			DataKind:   DataKind(strings.ToLower(strings.TrimSpace(req.DataKind))),
			Confidence: req.Confidence,
			Source:     LinkSource(strings.TrimSpace(req.Source)),
		}, meta.Actor())
		if err != nil {
			return nil, toImpactRPCError(err)
		}
		return &linkAddResp{Edge: edge}, nil
	})

	rpctyped.Register[linkRemoveReq, okResp](r, TypeID_IMPACT_LINK_REMOVE, func(ctx context.Context, req *linkRemoveReq) (*okResp, error) {
		if err := denyWrite(meta); err != nil {
			return nil, err
		}
		if req == nil {
			return nil, &rpc.Error{Code: 400, Message: "invalid payload"}
		}
		if err := e.RemoveLink(ctx, req.EdgeID, meta.Actor()); err != nil {
			return nil, toImpactRPCError(err)
		}
		return &okResp{OK: true}, nil
	})

	rpctyped.Register[linksListReq, linksListResp](r, TypeID_IMPACT_LINKS_LIST, func(ctx context.Context, req *linksListReq) (*linksListResp, error) {
		if err := denyRead(meta); err != nil {
			return nil, err
		}
		if req == nil || strings.TrimSpace(req.ArtefactID) == "" {
			return nil, &rpc.Error{Code: 400, Message: "missing artefact_id"}
		}
		g, err := e.Links(ctx, req.ArtefactID)
		if err != nil {
			return nil, toImpactRPCError(err)
		}
		return &linksListResp{Graph: g}, nil
	})

	rpctyped.Register[diffReq, diffResp](r, TypeID_IMPACT_DIFF, func(ctx context.Context, req *diffReq) (*diffResp, error) {
		if err := denyRead(meta); err != nil {
			return nil, err
		}
		if req == nil {
			return nil, &rpc.Error{Code: 400, Message: "invalid payload"}
		}
		olderID := strings.TrimSpace(req.OlderRunID)
		newerID := strings.TrimSpace(req.NewerRunID)
		var (
			d   Diff
			err error
		)
		switch {
		case olderID != "" && newerID != "":
			d, err = e.DiffRuns(ctx, olderID, newerID)
		case olderID == "" && newerID == "" && strings.TrimSpace(req.ArtefactID) != "":
			d, err = e.DiffLatest(ctx, req.ArtefactID)
		default:
			return nil, &rpc.Error{Code: 400, Message: "older_run_id and newer_run_id, or artefact_id, are required"}
		}
		if err != nil {
			return nil, toImpactRPCError(err)
		}
		return &diffResp{Diff: d}, nil
	})

	rpctyped.Register[suggestReq, suggestionsResp](r, TypeID_IMPACT_SUGGEST, func(ctx context.Context, req *suggestReq) (*suggestionsResp, error) {
		if err := denyWrite(meta); err != nil {
			return nil, err
		}
		if req == nil || strings.TrimSpace(req.ArtefactID) == "" {
			return nil, &rpc.Error{Code: 400, Message: "missing artefact_id"}
		}
		out, err := e.GenerateSuggestions(ctx, req.ArtefactID)
		if err != nil {
			return nil, toImpactRPCError(err)
		}
		return &suggestionsResp{Suggestions: out}, nil
	})

	rpctyped.Register[suggestionsListReq, suggestionsResp](r, TypeID_IMPACT_SUGGESTIONS_LIST, func(ctx context.Context, req *suggestionsListReq) (*suggestionsResp, error) {
		if err := denyRead(meta); err != nil {
			return nil, err
		}
		if req == nil || strings.TrimSpace(req.ArtefactID) == "" {
			return nil, &rpc.Error{Code: 400, Message: "missing artefact_id"}
		}
		out, err := e.ListSuggestions(ctx, req.ArtefactID, req.Status)
		if err != nil {
			return nil, toImpactRPCError(err)
		}
		return &suggestionsResp{Suggestions: out}, nil
	})

	rpctyped.Register[suggestionDecideReq, suggestionDecideResp](r, TypeID_IMPACT_SUGGESTION_DECIDE, func(ctx context.Context, req *suggestionDecideReq) (*suggestionDecideResp, error) {
		if err := denyWrite(meta); err != nil {
			return nil, err
		}
		if req == nil {
			return nil, &rpc.Error{Code: 400, Message: "invalid payload"}
		}
		if !req.Accept {
			if err := e.RejectSuggestion(ctx, req.SuggestionID, meta.Actor()); err != nil {
				return nil, toImpactRPCError(err)
			}
			return &suggestionDecideResp{Status: SuggestionRejected}, nil
		}
		edge, err := e.AcceptSuggestion(ctx, req.SuggestionID, meta.Actor())
		if err != nil {
			return nil, toImpactRPCError(err)
		}
		return &suggestionDecideResp{Status: SuggestionAccepted, Edge: &edge}, nil
	})

	rpctyped.Register[subscribeReq, subscribeResp](r, TypeID_IMPACT_SUBSCRIBE, func(_ context.Context, _ *subscribeReq) (*subscribeResp, error) {
		if err := denyRead(meta); err != nil {
			return nil, err
		}
		if streamServer == nil {
			return nil, &rpc.Error{Code: 500, Message: "stream not ready"}
		}
		e.attachStream(streamServer)
		return &subscribeResp{OK: true}, nil
	})
}

// runNotifier forwards finished runs to one RPC stream until Notify fails.
type runNotifier struct {
	srv   *rpc.Server
	ch    chan Run
	stop  chan struct{}
	unsub func()
}

func (e *Engine) attachStream(srv *rpc.Server) {
	e.mu.Lock()
	if e.streams == nil {
		e.streams = map[*rpc.Server]*runNotifier{}
	}
	if _, ok := e.streams[srv]; ok {
		e.mu.Unlock()
		return
	}
	n := &runNotifier{srv: srv, ch: make(chan Run, 64), stop: make(chan struct{})}
	e.streams[srv] = n
	e.mu.Unlock()

	n.unsub = e.Subscribe(func(r Run) {
		select {
		case n.ch <- r:
		case <-n.stop:
		default:
			e.log.Warn("run finished notification dropped", "run_id", r.ID)
		}
	})
	go e.notifyLoop(n)
}

// DetachStream stops notifications to srv; call it when the connection ends.
func (e *Engine) DetachStream(srv *rpc.Server) {
	if e == nil || srv == nil {
		return
	}
	e.mu.Lock()
	n, ok := e.streams[srv]
	if ok {
		delete(e.streams, srv)
	}
	e.mu.Unlock()
	if ok {
		n.unsub()
		close(n.stop)
	}
}

func (e *Engine) notifyLoop(n *runNotifier) {
	for {
		select {
		case <-n.stop:
			return
		case r := <-n.ch:
			payload, err := json.Marshal(r)
			if err != nil {
				continue
			}
			if err := n.srv.Notify(TypeID_IMPACT_RUN_FINISHED_NOTIFY, payload); err != nil {
				e.DetachStream(n.srv)
				return
			}
		}
	}
}

type scheduleReq struct {
	ArtefactID         string `json:"artefact_id"`
	ScheduledAtUnixMs  int64  `json:"scheduled_at_unix_ms"`
	TriggerChangeSetID string `json:"trigger_change_set_id,omitempty"`
}

type scheduleResp struct {
	Entry QueueEntry `json:"entry"`
}

// RegisterRPC exposes Enqueue on r so peers can defer analyses into a running
// scheduler. The artefact must exist when the entry is queued.
func (s *Scheduler) RegisterRPC(r *rpc.Router, meta *session.Meta, artefacts ArtefactSource) {
	if s == nil || r == nil {
		return
	}

	rpctyped.Register[scheduleReq, scheduleResp](r, TypeID_IMPACT_SCHEDULE, func(ctx context.Context, req *scheduleReq) (*scheduleResp, error) {
		if err := denyWrite(meta); err != nil {
			return nil, err
		}
		if req == nil || strings.TrimSpace(req.ArtefactID) == "" {
			return nil, &rpc.Error{Code: 400, Message: "missing artefact_id"}
		}
		if artefacts != nil {
			a, err := artefacts.GetArtefact(ctx, strings.TrimSpace(req.ArtefactID))
			if err != nil {
				return nil, toImpactRPCError(err)
			}
			if a == nil {
				return nil, &rpc.Error{Code: 404, Message: ErrArtefactNotFound.Error() + ": " + strings.TrimSpace(req.ArtefactID)}
			}
		}
		at := s.now()
		if req.ScheduledAtUnixMs > 0 {
			at = time.UnixMilli(req.ScheduledAtUnixMs)
		}
		entry, err := s.Enqueue(ctx, req.ArtefactID, at, req.TriggerChangeSetID)
		if err != nil {
			return nil, toImpactRPCError(err)
		}
		return &scheduleResp{Entry: entry}, nil
	})
}

func toImpactRPCError(err error) *rpc.Error {
	if err == nil {
		return nil
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		msg = "request failed"
	}

	switch {
	case errors.Is(err, ErrRunNotFound), errors.Is(err, ErrItemNotFound), errors.Is(err, ErrEdgeNotFound),
		errors.Is(err, ErrSuggestionNotFound), errors.Is(err, ErrArtefactNotFound):
		return &rpc.Error{Code: 404, Message: msg}
	case errors.Is(err, ErrSuggestionDecided), errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrRunNotCompleted):
		return &rpc.Error{Code: 409, Message: msg}
	case errors.Is(err, ErrEmptyContent), errors.Is(err, ErrUnsupportedFormat), errors.Is(err, ErrInvalidStatus),
		errors.Is(err, ErrInvalidEdge), errors.Is(err, ErrArtefactMismatch):
		return &rpc.Error{Code: 400, Message: msg}
	case errors.Is(err, ErrNoOracle), errors.Is(err, ErrClosed):
		return &rpc.Error{Code: 503, Message: msg}
	default:
		return &rpc.Error{Code: 500, Message: msg}
	}
}
