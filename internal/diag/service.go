// Package diag exposes the agent state over gRPC.
//
// The service has no generated stubs: requests are google.protobuf.Empty and
// responses are lists of strings carried by google.protobuf.ListValue.
package diag

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the full name of the diagnostics service.
const ServiceName = "orchagent.DiagnosticsService"

const (
	methodDumpPending = "/" + ServiceName + "/DumpPending"
	methodCritical    = "/" + ServiceName + "/Critical"
)

// Source provides the diagnosed state.
type Source interface {
	// QueryPending returns pending entries of every table.
	QueryPending(ctx context.Context) ([]string, error)
	// Critical returns objects whose state can no longer be trusted.
	Critical() []string
}

// DiagnosticsServer is the server API of the diagnostics service.
type DiagnosticsServer interface {
	DumpPending(ctx context.Context, req *emptypb.Empty) (*structpb.ListValue, error)
	Critical(ctx context.Context, req *emptypb.Empty) (*structpb.ListValue, error)
}

// DiagnosticsService serves the state of a Source.
type DiagnosticsService struct {
	source Source
}

// NewDiagnosticsService creates a new diagnostics service.
func NewDiagnosticsService(source Source) *DiagnosticsService {
	return &DiagnosticsService{source: source}
}

// DumpPending returns entries not yet applied.
func (m *DiagnosticsService) DumpPending(ctx context.Context, req *emptypb.Empty) (*structpb.ListValue, error) {
	lines, err := m.source.QueryPending(ctx)
	if err != nil {
		return nil, status.FromContextError(err).Err()
	}
	return stringList(lines), nil
}

// Critical returns objects left in an unknown state.
func (m *DiagnosticsService) Critical(ctx context.Context, req *emptypb.Empty) (*structpb.ListValue, error) {
	return stringList(m.source.Critical()), nil
}

func stringList(lines []string) *structpb.ListValue {
	values := make([]*structpb.Value, 0, len(lines))
	for _, line := range lines {
		values = append(values, structpb.NewStringValue(line))
	}
	return &structpb.ListValue{Values: values}
}

// Strings unpacks a list of strings.
func Strings(list *structpb.ListValue) ([]string, error) {
	out := make([]string, 0, len(list.GetValues()))
	for idx, value := range list.GetValues() {
		s, ok := value.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, status.Errorf(codes.Internal, "value %d is not a string", idx)
		}
		out = append(out, s.StringValue)
	}
	return out, nil
}

// RegisterDiagnosticsServer registers the service implementation.
func RegisterDiagnosticsServer(server grpc.ServiceRegistrar, srv DiagnosticsServer) {
	server.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DiagnosticsServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "DumpPending",
			Handler: unaryHandler(methodDumpPending, func(srv DiagnosticsServer) unaryMethod {
				return srv.DumpPending
			}),
		},
		{
			MethodName: "Critical",
			Handler: unaryHandler(methodCritical, func(srv DiagnosticsServer) unaryMethod {
				return srv.Critical
			}),
		},
	},
	Streams: []grpc.StreamDesc{},
}

type unaryMethod func(ctx context.Context, req *emptypb.Empty) (*structpb.ListValue, error)

func unaryHandler(
	fullMethod string,
	method func(srv DiagnosticsServer) unaryMethod,
) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := &emptypb.Empty{}
		if err := dec(in); err != nil {
			return nil, err
		}
		call := method(srv.(DiagnosticsServer))
		if interceptor == nil {
			return call(ctx, in)
		}

		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(ctx, req.(*emptypb.Empty))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Client is a diagnostics service client.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient creates a client over the connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// DumpPending returns pending entries of the agent.
func (m *Client) DumpPending(ctx context.Context) ([]string, error) {
	return m.invoke(ctx, methodDumpPending)
}

// Critical returns objects the agent reported as critical.
func (m *Client) Critical(ctx context.Context) ([]string, error) {
	return m.invoke(ctx, methodCritical)
}

func (m *Client) invoke(ctx context.Context, method string) ([]string, error) {
	out := &structpb.ListValue{}
	if err := m.conn.Invoke(ctx, method, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return Strings(out)
}
