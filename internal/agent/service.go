package agent

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/opensandbox/proclist/pkg/types"
)

// codecName is the gRPC content-subtype the agent service speaks
// (application/grpc+json).
const codecName = "json"

const serviceName = "proclist.agent.v1.Agent"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type ListProcessesRequest struct{}

type ListProcessesResponse struct {
	Processes []types.Process `json:"processes"`
}

type StatFileRequest struct {
	Path string `json:"path"`
}

type StatFileResponse struct {
	Stat types.FileStat `json:"stat"`
}

type ReadFileRequest struct {
	Path string `json:"path"`
}

type ReadFileResponse struct {
	Content []byte `json:"content"`
}

type PingRequest struct{}

type PingResponse struct {
	Version       string `json:"version"`
	Hostname      string `json:"hostname"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
}

// AgentServer is the server API of the agent service.
type AgentServer interface {
	ListProcesses(context.Context, *ListProcessesRequest) (*ListProcessesResponse, error)
	StatFile(context.Context, *StatFileRequest) (*StatFileResponse, error)
	ReadFile(context.Context, *ReadFileRequest) (*ReadFileResponse, error)
	Ping(context.Context, *PingRequest) (*PingResponse, error)
}

// RegisterAgentServer registers srv on s.
func RegisterAgentServer(s grpc.ServiceRegistrar, srv AgentServer) {
	s.RegisterService(&agentServiceDesc, srv)
}

var agentServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*AgentServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("ListProcesses", AgentServer.ListProcesses),
		unaryMethod("StatFile", AgentServer.StatFile),
		unaryMethod("ReadFile", AgentServer.ReadFile),
		unaryMethod("Ping", AgentServer.Ping),
	},
	Streams: []grpc.StreamDesc{},
}

func fullMethod(method string) string {
	return "/" + serviceName + "/" + method
}

func unaryMethod[Req, Resp any](name string, call func(AgentServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(AgentServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(AgentServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
