package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const maxEventBody = 1 << 20

// HTTPHandler builds the HTTP surface: the JSON routes on a gateway mux,
// with /healthz, /readyz and /metrics in front of it.
func (s *GRPCServer) HTTPHandler() (http.Handler, error) {
	gw := runtime.NewServeMux()

	routes := []struct {
		method, pattern string
		handler         runtime.HandlerFunc
	}{
		{"GET", "/v1/users/{user_id}/balances", s.handleBalances},
		{"GET", "/v1/users/{user_id}/balances/{asset}", s.handleBalance},
		{"GET", "/v1/users/{user_id}/orders", s.handleUserOrders},
		{"GET", "/v1/users/{user_id}/fills", s.handleFills},
		{"GET", "/v1/users/{user_id}/journal", s.handleJournal},
		{"GET", "/v1/orders/{order_id}", s.handleOrder},
		{"GET", "/v1/depth", s.handleDepth},
		{"POST", "/v1/admin/events", s.handleSubmit},
		{"GET", "/v1/admin/integrity", s.handleIntegrity},
		{"GET", "/v1/admin/status", s.handleStatus},
	}
	for _, rt := range routes {
		if err := gw.HandlePath(rt.method, rt.pattern, rt.handler); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	mux := http.NewServeMux()
	if s.healthChecker != nil {
		mux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		mux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", gw)
	return mux, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// respond writes resp, or err with the HTTP status the gateway maps its
// gRPC code to.
func respond[T any](w http.ResponseWriter, resp T, err error) {
	if err != nil {
		st := status.Convert(toStatus(err))
		writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), map[string]any{
			"code":    st.Code().String(),
			"message": st.Message(),
		})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func intParam(raw, name string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, status.Errorf(codes.InvalidArgument, "invalid %s %q", name, raw)
	}
	return v, nil
}

func (s *GRPCServer) userParam(w http.ResponseWriter, params map[string]string) (int64, bool) {
	id, err := intParam(params["user_id"], "user_id")
	if err != nil {
		respond[any](w, nil, err)
		return 0, false
	}
	return id, true
}

func historyRequest(r *http.Request, userID int64) (*HistoryRequest, error) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		return nil, err
	}
	before, err := intParam(q.Get("before_sequence"), "before_sequence")
	if err != nil {
		return nil, err
	}
	return &HistoryRequest{UserID: userID, Limit: int(limit), BeforeSequence: before}, nil
}

func (s *GRPCServer) handleBalances(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if id, ok := s.userParam(w, params); ok {
		resp, err := s.query.GetBalances(r.Context(), &UserRequest{UserID: id})
		respond(w, resp, err)
	}
}

func (s *GRPCServer) handleBalance(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if id, ok := s.userParam(w, params); ok {
		resp, err := s.query.GetBalance(r.Context(), &BalanceRequest{UserID: id, Asset: params["asset"]})
		respond(w, resp, err)
	}
}

func (s *GRPCServer) handleUserOrders(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if id, ok := s.userParam(w, params); ok {
		resp, err := s.query.GetUserOrders(r.Context(), &UserRequest{UserID: id})
		respond(w, resp, err)
	}
}

func (s *GRPCServer) handleFills(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := s.userParam(w, params)
	if !ok {
		return
	}
	req, err := historyRequest(r, id)
	if err != nil {
		respond[any](w, nil, err)
		return
	}
	resp, err := s.query.ListFills(r.Context(), req)
	respond(w, resp, err)
}

func (s *GRPCServer) handleJournal(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, ok := s.userParam(w, params)
	if !ok {
		return
	}
	req, err := historyRequest(r, id)
	if err != nil {
		respond[any](w, nil, err)
		return
	}
	resp, err := s.query.ListJournal(r.Context(), req)
	respond(w, resp, err)
}

func (s *GRPCServer) handleOrder(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id, err := intParam(params["order_id"], "order_id")
	if err != nil {
		respond[any](w, nil, err)
		return
	}
	resp, err := s.query.GetOrder(r.Context(), &OrderRequest{OrderID: id})
	respond(w, resp, err)
}

func (s *GRPCServer) handleDepth(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	levels, err := intParam(r.URL.Query().Get("levels"), "levels")
	if err != nil {
		respond[any](w, nil, err)
		return
	}
	resp, err := s.query.GetDepth(r.Context(), &DepthRequest{Levels: int(levels)})
	respond(w, resp, err)
}

// handleSubmit takes the event's wire JSON as the request body.
func (s *GRPCServer) handleSubmit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody))
	if err != nil {
		respond[any](w, nil, status.Errorf(codes.InvalidArgument, "read body: %v", err))
		return
	}
	resp, err := s.admin.SubmitEvent(r.Context(), &SubmitEventRequest{Event: body})
	respond(w, resp, err)
}

func (s *GRPCServer) handleIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := s.admin.VerifyIntegrity(r.Context(), &Empty{})
	respond(w, resp, err)
}

func (s *GRPCServer) handleStatus(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp, err := s.admin.GetSystemStatus(r.Context(), &Empty{})
	respond(w, resp, err)
}
