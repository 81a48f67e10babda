package server

import (
	"SpotEngine/internal/query"
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client calls the query and admin services over a gRPC connection.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr without transport security; the services sit
// behind the deployment's network boundary.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewClient(conn), nil
}

// NewClient wraps conn. Calls force the JSON codec, so conn needs no
// default call options.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Resp any](ctx context.Context, c *Client, service, method string, req any) (*Resp, error) {
	out := new(Resp)
	err := c.conn.Invoke(ctx, "/"+service+"/"+method, req, out, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetBalance(ctx context.Context, userID int64, asset string) (*query.BalanceResponse, error) {
	return invoke[query.BalanceResponse](ctx, c, QueryServiceName, "GetBalance", &BalanceRequest{UserID: userID, Asset: asset})
}

func (c *Client) GetBalances(ctx context.Context, userID int64) (*query.BalancesResponse, error) {
	return invoke[query.BalancesResponse](ctx, c, QueryServiceName, "GetBalances", &UserRequest{UserID: userID})
}

func (c *Client) GetOrder(ctx context.Context, orderID int64) (*query.OrderResponse, error) {
	return invoke[query.OrderResponse](ctx, c, QueryServiceName, "GetOrder", &OrderRequest{OrderID: orderID})
}

func (c *Client) GetUserOrders(ctx context.Context, userID int64) (*query.OrdersResponse, error) {
	return invoke[query.OrdersResponse](ctx, c, QueryServiceName, "GetUserOrders", &UserRequest{UserID: userID})
}

func (c *Client) GetDepth(ctx context.Context, levels int) (*query.DepthResponse, error) {
	return invoke[query.DepthResponse](ctx, c, QueryServiceName, "GetDepth", &DepthRequest{Levels: levels})
}

func (c *Client) SubmitEvent(ctx context.Context, data []byte) (*SubmitEventResponse, error) {
	return invoke[SubmitEventResponse](ctx, c, AdminServiceName, "SubmitEvent", &SubmitEventRequest{Event: data})
}

func (c *Client) VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error) {
	return invoke[query.IntegrityReport](ctx, c, AdminServiceName, "VerifyIntegrity", &Empty{})
}

func (c *Client) GetSystemStatus(ctx context.Context) (*SystemStatus, error) {
	return invoke[SystemStatus](ctx, c, AdminServiceName, "GetSystemStatus", &Empty{})
}
