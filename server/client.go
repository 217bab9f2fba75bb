package server

import (
	"context"
	"strings"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client calls a verifier over Connect.
type Client struct {
	check       *connect.Client[wrapperspb.BytesValue, wrapperspb.BoolValue]
	disassemble *connect.Client[wrapperspb.BytesValue, wrapperspb.StringValue]
}

// NewClient creates a client for the verifier at baseURL, for example
// "http://localhost:8470". Pass connect.WithGRPC() to use the gRPC protocol.
func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		check:       connect.NewClient[wrapperspb.BytesValue, wrapperspb.BoolValue](httpClient, baseURL+CheckProcedure, opts...),
		disassemble: connect.NewClient[wrapperspb.BytesValue, wrapperspb.StringValue](httpClient, baseURL+DisassembleProcedure, opts...),
	}
}

// Check reports whether candidate is accepted.
func (c *Client) Check(ctx context.Context, candidate []byte) (bool, error) {
	resp, err := c.check.CallUnary(ctx, connect.NewRequest(wrapperspb.Bytes(candidate)))
	if err != nil {
		return false, err
	}
	return resp.Msg.GetValue(), nil
}

// Disassemble lists code, or the served expression when code is empty.
func (c *Client) Disassemble(ctx context.Context, code []byte) (string, error) {
	resp, err := c.disassemble.CallUnary(ctx, connect.NewRequest(wrapperspb.Bytes(code)))
	if err != nil {
		return "", err
	}
	return resp.Msg.GetValue(), nil
}
