// Package server exposes the payment flow over gRPC and serves the operator
// listener.
package server

import (
	"context"
	"errors"
	"time"

	json "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/diogomassis/ob-payments/internal/models"
	"github.com/diogomassis/ob-payments/internal/services/orchestrator"
)

const (
	ServiceName           = "obpayments.v1.PaymentFlow"
	initiatePaymentMethod = "/" + ServiceName + "/InitiatePayment"
	completePaymentMethod = "/" + ServiceName + "/CompletePayment"
)

// PaymentFlow is the part of the orchestrator the gRPC service drives.
type PaymentFlow interface {
	Initiate(ctx context.Context, req models.PaymentRequest) (*models.InitiatedPayment, error)
	CompleteAndExecute(ctx context.Context, code, state string) (*models.ExecutedPayment, error)
}

// PaymentFlowServer is the server API for the PaymentFlow service. Messages
// are google.protobuf.Struct documents shaped like the HTTP JSON bodies.
type PaymentFlowServer interface {
	InitiatePayment(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CompletePayment(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type PaymentFlowService struct {
	flows  PaymentFlow
	logger zerolog.Logger
}

func NewPaymentFlowService(flows PaymentFlow, logger zerolog.Logger) *PaymentFlowService {
	return &PaymentFlowService{
		flows:  flows,
		logger: logger.With().Str("component", "grpc").Logger(),
	}
}

// NewGRPCServer builds a server with the PaymentFlow service registered.
func NewGRPCServer(service PaymentFlowServer, logger zerolog.Logger, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))
	s := grpc.NewServer(opts...)
	s.RegisterService(&PaymentFlowServiceDesc, service)
	return s
}

func (s *PaymentFlowService) InitiatePayment(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req models.PaymentRequest
	if err := decode(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid payment request: %v", err)
	}
	initiated, err := s.flows.Initiate(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(initiated)
}

func (s *PaymentFlowService) CompletePayment(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	fields := in.GetFields()
	code := fields["code"].GetStringValue()
	state := fields["state"].GetStringValue()
	executed, err := s.flows.CompleteAndExecute(ctx, code, state)
	if err != nil {
		return nil, toStatus(err)
	}
	return encode(executed)
}

func decode(in *structpb.Struct, out any) error {
	raw, err := in.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(raw); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func toStatus(err error) error {
	var fe *orchestrator.FlowError
	if !errors.As(err, &fe) {
		return status.Error(codes.Internal, err.Error())
	}
	var code codes.Code
	switch fe.Kind {
	case orchestrator.KindInvalidRequest, orchestrator.KindMissingAuthorizationCode:
		code = codes.InvalidArgument
	case orchestrator.KindUnknownOrExpiredState:
		code = codes.FailedPrecondition
	case orchestrator.KindNetworkTimeout:
		code = codes.DeadlineExceeded
	case orchestrator.KindUpstreamRejected:
		code = codes.Aborted
	case orchestrator.KindSigning:
		code = codes.Internal
	default:
		code = codes.Unavailable
	}
	return status.Errorf(code, "%s at %s: %v", fe.Kind, fe.Step, fe.Err)
}

func loggingInterceptor(logger zerolog.Logger) grpc.UnaryServerInterceptor {
	logger = logger.With().Str("component", "grpc").Logger()
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		evt := logger.Info()
		if err != nil {
			evt = logger.Warn().Str("code", status.Code(err).String()).Err(err)
		}
		evt.Str("method", info.FullMethod).Dur("elapsed", time.Since(start)).Msg("[grpc] request handled")
		return resp, err
	}
}

func initiatePaymentHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PaymentFlowServer).InitiatePayment(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: initiatePaymentMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PaymentFlowServer).InitiatePayment(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func completePaymentHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PaymentFlowServer).CompletePayment(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: completePaymentMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PaymentFlowServer).CompletePayment(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var PaymentFlowServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PaymentFlowServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "InitiatePayment", Handler: initiatePaymentHandler},
		{MethodName: "CompletePayment", Handler: completePaymentHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "obpayments/v1/payment_flow.proto",
}

// PaymentFlowClient calls the PaymentFlow service.
type PaymentFlowClient struct {
	cc grpc.ClientConnInterface
}

func NewPaymentFlowClient(cc grpc.ClientConnInterface) *PaymentFlowClient {
	return &PaymentFlowClient{cc: cc}
}

func (c *PaymentFlowClient) InitiatePayment(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, initiatePaymentMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *PaymentFlowClient) CompletePayment(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, completePaymentMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
