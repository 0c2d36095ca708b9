package grpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"treasuredig/prober/internal/detector"
)

// Client issues typed queries against a remote ProbeService.
type Client struct {
	conn grpc.ClientConnInterface
	opts []grpc.CallOption
}

// NewClient wraps conn; opts apply to every call.
func NewClient(conn grpc.ClientConnInterface, opts ...grpc.CallOption) *Client {
	return &Client{conn: conn, opts: opts}
}

// Probe runs a ground probe.
func (c *Client) Probe(ctx context.Context, req detector.ProbeRequest, opts ...grpc.CallOption) (detector.ProbeResponse, error) {
	var resp detector.ProbeResponse
	err := c.invoke(ctx, "Probe", req, &resp, opts)
	return resp, err
}

// Furthest runs a treasure search.
func (c *Client) Furthest(ctx context.Context, req detector.FurthestRequest, opts ...grpc.CallOption) (detector.FurthestResponse, error) {
	var resp detector.FurthestResponse
	err := c.invoke(ctx, "Furthest", req, &resp, opts)
	return resp, err
}

// Scan runs a combined ground probe and treasure search.
func (c *Client) Scan(ctx context.Context, req detector.ScanRequest, opts ...grpc.CallOption) (detector.ScanResponse, error) {
	var resp detector.ScanResponse
	err := c.invoke(ctx, "Scan", req, &resp, opts)
	return resp, err
}

// Raw sends an arbitrary Struct to method, bypassing request typing.
func (c *Client) Raw(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	callOpts := append(append([]grpc.CallOption(nil), c.opts...), opts...)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, callOpts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any, opts []grpc.CallOption) error {
	//1.- Encode the typed request into the Struct envelope.
	in, err := encodeStruct(req)
	if err != nil {
		return err
	}
	//2.- Issue the unary call and decode the reply back into the typed response.
	out, err := c.Raw(ctx, method, in, opts...)
	if err != nil {
		return err
	}
	raw, err := out.MarshalJSON()
	if err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if err := json.Unmarshal(raw, resp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}
