/*
 Copyright 2019 Vimeo Inc.

 Licensed under the Apache License, Version 2.0 (the "License");
 you may not use this file except in compliance with the License.
 You may obtain a copy of the License at

      http://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

// Package grpcquery builds warehouse queries that issue unary gRPC calls.
// The first query argument is the request message; abandoning an attempt
// cancels its call.
package grpcquery

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang/protobuf/proto"
	"google.golang.org/grpc"

	"github.com/vimeo/warehouse"
)

// ErrBadRequest is returned by attempts whose first argument is not a
// proto message.
var ErrBadRequest = errors.New("grpcquery: first argument must be a proto.Message")

// Protocol specifies the connection and per-call options shared by the
// queries it builds.
type Protocol struct {
	Conn grpc.ClientConnInterface
	// CallOptions are passed to every Invoke.
	CallOptions []grpc.CallOption
}

// NewProtocol returns a Protocol calling over conn. Users dialing
// without TLS should pass grpc.WithInsecure() to grpc.Dial themselves.
func NewProtocol(conn grpc.ClientConnInterface, callOpts ...grpc.CallOption) *Protocol {
	return &Protocol{Conn: conn, CallOptions: callOpts}
}

// NewQuery returns a query invoking the full method name (for example
// "/pkg.Service/Method"). Each call decodes into a fresh clone of reply,
// which is never modified itself.
func NewQuery[Resp proto.Message](p *Protocol, method string, reply Resp) warehouse.Query[Resp] {
	return warehouse.QueryFunc(func(ctx context.Context, args ...any) (Resp, error) {
		var zero Resp
		if len(args) == 0 {
			return zero, ErrBadRequest
		}
		req, ok := args[0].(proto.Message)
		if !ok {
			return zero, fmt.Errorf("%w, got %T", ErrBadRequest, args[0])
		}
		out := proto.Clone(reply).(Resp)
		out.Reset()
		if err := p.Conn.Invoke(ctx, method, req, out, p.CallOptions...); err != nil {
			return zero, fmt.Errorf("grpcquery: calling %s: %w", method, err)
		}
		return out, nil
	})
}
