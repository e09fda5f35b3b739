package plugin

import (
	"context"
	"errors"

	hcplugin "github.com/hashicorp/go-plugin"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/felixgeelhaar/medmem/internal/clinical"
)

const (
	serviceName    = "medmem.plugin.RiskClassifier"
	classifyMethod = "/" + serviceName + "/Classify"
)

// riskService is the server side of the Classify RPC. The request is a
// Struct with "domain" and "subject_code" fields.
type riskService interface {
	Classify(ctx context.Context, req *structpb.Struct) (*wrapperspb.BoolValue, error)
}

var riskServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*riskService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Classify", Handler: classifyHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "medmem/plugin/risk",
}

func classifyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(riskService).Classify(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: classifyMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(riskService).Classify(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// RiskPlugin is the implementation of hcplugin.GRPCPlugin so we can serve/consume this.
type RiskPlugin struct {
	hcplugin.NetRPCUnsupportedPlugin
	Impl RiskClassifier
}

func (p *RiskPlugin) GRPCServer(_ *hcplugin.GRPCBroker, s *grpc.Server) error {
	s.RegisterService(&riskServiceDesc, &GRPCServer{Impl: p.Impl})
	return nil
}

func (p *RiskPlugin) GRPCClient(_ context.Context, _ *hcplugin.GRPCBroker, c *grpc.ClientConn) (interface{}, error) {
	return &GRPCClient{conn: c}, nil
}

// GRPCClient is an implementation of RiskClassifier that talks over RPC.
type GRPCClient struct {
	conn grpc.ClientConnInterface
}

func (c *GRPCClient) Classify(ctx context.Context, domain clinical.Domain, subjectCode string) (bool, error) {
	in, err := structpb.NewStruct(map[string]any{
		"domain":       string(domain),
		"subject_code": subjectCode,
	})
	if err != nil {
		return false, err
	}
	out := new(wrapperspb.BoolValue)
	if err := c.conn.Invoke(ctx, classifyMethod, in, out); err != nil {
		return false, err
	}
	return out.GetValue(), nil
}

// GRPCServer is the gRPC server that calls the local implementation.
type GRPCServer struct {
	Impl RiskClassifier
}

func (s *GRPCServer) Classify(ctx context.Context, req *structpb.Struct) (*wrapperspb.BoolValue, error) {
	fields := req.GetFields()
	subject := fields["subject_code"].GetStringValue()
	if subject == "" {
		return nil, errors.New("subject_code is required")
	}
	high, err := s.Impl.Classify(ctx, clinical.Domain(fields["domain"].GetStringValue()), subject)
	if err != nil {
		return nil, err
	}
	return wrapperspb.Bool(high), nil
}
