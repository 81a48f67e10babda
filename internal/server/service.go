package server

import (
	"SpotEngine/internal/ingestion"
	"SpotEngine/internal/observability"
	"SpotEngine/internal/query"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	QueryServiceName = "spotengine.v1.QueryService"
	AdminServiceName = "spotengine.v1.AdminService"
)

// --- Messages ---

type BalanceRequest struct {
	UserID int64  `json:"user_id"`
	Asset  string `json:"asset"`
}

type UserRequest struct {
	UserID int64 `json:"user_id"`
}

type OrderRequest struct {
	OrderID int64 `json:"order_id"`
}

type DepthRequest struct {
	Levels int `json:"levels"`
}

// HistoryRequest pages backwards; a zero BeforeSequence starts at the newest entry.
type HistoryRequest struct {
	UserID         int64 `json:"user_id"`
	Limit          int   `json:"limit"`
	BeforeSequence int64 `json:"before_sequence"`
}

func (r *HistoryRequest) before() *int64 {
	if r.BeforeSequence <= 0 {
		return nil
	}
	return &r.BeforeSequence
}

type FillsResponse struct {
	Fills []query.FillHistoryEntry `json:"fills"`
}

type JournalResponse struct {
	Entries []query.JournalHistoryEntry `json:"entries"`
}

// SubmitEventRequest carries one event in its wire JSON form.
type SubmitEventRequest struct {
	Event json.RawMessage `json:"event"`
}

type SubmitEventResponse struct {
	Accepted   bool  `json:"accepted"`
	SequenceID int64 `json:"sequence_id"`
}

type Empty struct{}

type SystemStatus struct {
	State          string `json:"state"` // ready, starting or halted
	LastSequenceID int64  `json:"last_sequence_id"`
	StateHash      string `json:"state_hash"`
	HaltCause      string `json:"halt_cause,omitempty"`
	Uptime         string `json:"uptime"`
}

// --- Service interfaces ---

type QueryServer interface {
	GetBalance(context.Context, *BalanceRequest) (*query.BalanceResponse, error)
	GetBalances(context.Context, *UserRequest) (*query.BalancesResponse, error)
	GetOrder(context.Context, *OrderRequest) (*query.OrderResponse, error)
	GetUserOrders(context.Context, *UserRequest) (*query.OrdersResponse, error)
	GetDepth(context.Context, *DepthRequest) (*query.DepthResponse, error)
	ListFills(context.Context, *HistoryRequest) (*FillsResponse, error)
	ListJournal(context.Context, *HistoryRequest) (*JournalResponse, error)
}

type AdminServer interface {
	SubmitEvent(context.Context, *SubmitEventRequest) (*SubmitEventResponse, error)
	VerifyIntegrity(context.Context, *Empty) (*query.IntegrityReport, error)
	GetSystemStatus(context.Context, *Empty) (*SystemStatus, error)
}

// unaryHandler adapts a typed method to grpc.MethodHandler, the same shape
// protoc-gen-go-grpc emits per method.
func unaryHandler[Srv, Req, Resp any](fullMethod string, call func(Srv, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(Srv), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(Srv), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func method[Srv, Req, Resp any](service, name string, call func(Srv, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler:    unaryHandler("/"+service+"/"+name, call),
	}
}

var QueryServiceDesc = grpc.ServiceDesc{
	ServiceName: QueryServiceName,
	HandlerType: (*QueryServer)(nil),
	Methods: []grpc.MethodDesc{
		method(QueryServiceName, "GetBalance", QueryServer.GetBalance),
		method(QueryServiceName, "GetBalances", QueryServer.GetBalances),
		method(QueryServiceName, "GetOrder", QueryServer.GetOrder),
		method(QueryServiceName, "GetUserOrders", QueryServer.GetUserOrders),
		method(QueryServiceName, "GetDepth", QueryServer.GetDepth),
		method(QueryServiceName, "ListFills", QueryServer.ListFills),
		method(QueryServiceName, "ListJournal", QueryServer.ListJournal),
	},
	Metadata: "spotengine/v1/query.json",
}

var AdminServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		method(AdminServiceName, "SubmitEvent", AdminServer.SubmitEvent),
		method(AdminServiceName, "VerifyIntegrity", AdminServer.VerifyIntegrity),
		method(AdminServiceName, "GetSystemStatus", AdminServer.GetSystemStatus),
	},
	Metadata: "spotengine/v1/admin.json",
}

// toStatus maps domain errors onto gRPC codes. The HTTP gateway derives its
// status codes from these.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, query.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, query.ErrInvalidArgument), errors.Is(err, ingestion.ErrInvalidEvent):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, query.ErrHistoryUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// ============================================================================
// QueryService implementation
// ============================================================================

type queryServiceImpl struct {
	qs *query.QueryService
}

func (s *queryServiceImpl) GetBalance(ctx context.Context, req *BalanceRequest) (*query.BalanceResponse, error) {
	if req.UserID <= 0 {
		return nil, status.Error(codes.InvalidArgument, "user_id is required")
	}
	resp, err := s.qs.GetBalance(ctx, req.UserID, req.Asset)
	return resp, toStatus(err)
}

func (s *queryServiceImpl) GetBalances(ctx context.Context, req *UserRequest) (*query.BalancesResponse, error) {
	if req.UserID <= 0 {
		return nil, status.Error(codes.InvalidArgument, "user_id is required")
	}
	resp, err := s.qs.GetBalances(ctx, req.UserID)
	return resp, toStatus(err)
}

func (s *queryServiceImpl) GetOrder(ctx context.Context, req *OrderRequest) (*query.OrderResponse, error) {
	if req.OrderID <= 0 {
		return nil, status.Error(codes.InvalidArgument, "order_id is required")
	}
	resp, err := s.qs.GetOrder(ctx, req.OrderID)
	return resp, toStatus(err)
}

func (s *queryServiceImpl) GetUserOrders(ctx context.Context, req *UserRequest) (*query.OrdersResponse, error) {
	if req.UserID <= 0 {
		return nil, status.Error(codes.InvalidArgument, "user_id is required")
	}
	resp, err := s.qs.GetUserOrders(ctx, req.UserID)
	return resp, toStatus(err)
}

func (s *queryServiceImpl) GetDepth(ctx context.Context, req *DepthRequest) (*query.DepthResponse, error) {
	resp, err := s.qs.GetDepth(ctx, req.Levels)
	return resp, toStatus(err)
}

func (s *queryServiceImpl) ListFills(ctx context.Context, req *HistoryRequest) (*FillsResponse, error) {
	if req.UserID <= 0 {
		return nil, status.Error(codes.InvalidArgument, "user_id is required")
	}
	fills, err := s.qs.GetFills(ctx, req.UserID, req.Limit, req.before())
	if err != nil {
		return nil, toStatus(err)
	}
	return &FillsResponse{Fills: fills}, nil
}

func (s *queryServiceImpl) ListJournal(ctx context.Context, req *HistoryRequest) (*JournalResponse, error) {
	if req.UserID <= 0 {
		return nil, status.Error(codes.InvalidArgument, "user_id is required")
	}
	entries, err := s.qs.GetJournalHistory(ctx, req.UserID, req.Limit, req.before())
	if err != nil {
		return nil, toStatus(err)
	}
	return &JournalResponse{Entries: entries}, nil
}

// ============================================================================
// AdminService implementation
// ============================================================================

// StatusReporter is the sequencer's lifecycle view.
type StatusReporter interface {
	LastSequenceID() int64
	StateHash() [32]byte
	Halted() bool
	HaltCause() error
}

type adminServiceImpl struct {
	ingest    *ingestion.AdminIngestService
	qs        *query.QueryService
	status    StatusReporter
	health    *observability.HealthChecker
	startTime time.Time
}

func (s *adminServiceImpl) SubmitEvent(ctx context.Context, req *SubmitEventRequest) (*SubmitEventResponse, error) {
	if s.ingest == nil {
		return nil, status.Error(codes.Unimplemented, "event injection is disabled")
	}
	if len(req.Event) == 0 {
		return nil, status.Error(codes.InvalidArgument, "event is required")
	}
	seq, err := s.ingest.Submit(ctx, req.Event)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SubmitEventResponse{Accepted: true, SequenceID: seq}, nil
}

func (s *adminServiceImpl) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	report, err := s.qs.VerifyIntegrity(ctx)
	return report, toStatus(err)
}

func (s *adminServiceImpl) GetSystemStatus(ctx context.Context, _ *Empty) (*SystemStatus, error) {
	hash := s.status.StateHash()
	st := &SystemStatus{
		State:          "ready",
		LastSequenceID: s.status.LastSequenceID(),
		StateHash:      hex.EncodeToString(hash[:]),
		Uptime:         time.Since(s.startTime).Truncate(time.Second).String(),
	}
	switch {
	case s.status.Halted():
		st.State = "halted"
		if cause := s.status.HaltCause(); cause != nil {
			st.HaltCause = cause.Error()
		}
	case s.health != nil && !s.health.IsReady():
		st.State = "starting"
	}
	return st, nil
}
