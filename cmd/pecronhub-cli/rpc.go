package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fullstorydev/grpcurl"
	"github.com/jhump/protoreflect/grpcreflect"
	"google.golang.org/grpc"
)

const serviceName = "pecronhub.fleet.v1.FleetService"

type rpc struct {
	conn   *grpc.ClientConn
	source grpcurl.DescriptorSource
}

func newRPC(ctx context.Context, conn *grpc.ClientConn) *rpc {
	client := grpcreflect.NewClientAuto(ctx, conn)
	return &rpc{conn: conn, source: grpcurl.DescriptorSourceFromServer(ctx, client)}
}

// invoke runs a method with a JSON request and writes each JSON response
// to out.
func (r *rpc) invoke(ctx context.Context, method string, request io.Reader, out io.Writer) error {
	parser, formatter, err := grpcurl.RequestParserAndFormatter(grpcurl.FormatJSON, r.source, request, grpcurl.FormatOptions{EmitJSONDefaultFields: true})
	if err != nil {
		return fmt.Errorf("parse request: %w", err)
	}
	handler := grpcurl.NewDefaultEventHandler(out, r.source, formatter, false)
	if err := grpcurl.InvokeRPC(ctx, r.source, r.conn, method, nil, handler, parser.Next); err != nil {
		return fmt.Errorf("invoke %s: %w", method, err)
	}
	if handler.Status != nil && handler.Status.Err() != nil {
		return handler.Status.Err()
	}
	return nil
}

// call invokes a FleetService method and decodes its single response.
func (r *rpc) call(ctx context.Context, method string, req, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := r.invoke(ctx, serviceName+"/"+method, bytes.NewReader(body), &buf); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return json.Unmarshal(buf.Bytes(), resp)
}

func (r *rpc) stream(ctx context.Context, method string, req any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return r.invoke(ctx, serviceName+"/"+method, bytes.NewReader(body), os.Stdout)
}
