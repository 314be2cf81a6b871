package server

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/diogomassis/ob-payments/internal/models"
	"github.com/diogomassis/ob-payments/internal/services/orchestrator"
)

type fakeFlow struct {
	gotRequest models.PaymentRequest
	gotCode    string
	gotState   string
	err        error
}

func (f *fakeFlow) Initiate(_ context.Context, req models.PaymentRequest) (*models.InitiatedPayment, error) {
	f.gotRequest = req
	if f.err != nil {
		return nil, f.err
	}
	return &models.InitiatedPayment{AuthorizationURL: "https://bank.test/auth?state=s-1", State: "s-1", ConsentID: "c-1"}, nil
}

func (f *fakeFlow) CompleteAndExecute(_ context.Context, code, state string) (*models.ExecutedPayment, error) {
	f.gotCode, f.gotState = code, state
	if f.err != nil {
		return nil, f.err
	}
	return &models.ExecutedPayment{PaymentID: "p-1", ConsentID: "c-1", Status: "AcceptedSettlementInProcess"}, nil
}

func dialFlow(t *testing.T, flow PaymentFlow) *PaymentFlowClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(NewPaymentFlowService(flow, zerolog.Nop()), zerolog.Nop())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return NewPaymentFlowClient(conn)
}

func TestInitiatePaymentOverGRPC(t *testing.T) {
	flow := &fakeFlow{}
	client := dialFlow(t, flow)

	in, err := structpb.NewStruct(map[string]any{
		"Data": map[string]any{
			"Initiation": map[string]any{
				"InstructionIdentification": "instr-1",
				"EndToEndIdentification":    "e2e-1",
				"InstructedAmount":          map[string]any{"Amount": "10.50", "Currency": "GBP"},
				"CreditorAccount":           map[string]any{"SchemeName": "UK.OBIE.SortCodeAccountNumber", "Identification": "11223321325698"},
			},
		},
	})
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	out, err := client.InitiatePayment(context.Background(), in)
	if err != nil {
		t.Fatalf("InitiatePayment: %v", err)
	}
	if got := out.GetFields()["consentId"].GetStringValue(); got != "c-1" {
		t.Fatalf("consentId = %q", got)
	}
	if got := out.GetFields()["state"].GetStringValue(); got != "s-1" {
		t.Fatalf("state = %q", got)
	}
	if flow.gotRequest.Data.Initiation.InstructedAmount.Amount != "10.50" {
		t.Fatalf("amount not decoded: %+v", flow.gotRequest.Data.Initiation.InstructedAmount)
	}
}

func TestCompletePaymentOverGRPC(t *testing.T) {
	flow := &fakeFlow{}
	client := dialFlow(t, flow)

	in, _ := structpb.NewStruct(map[string]any{"code": "auth-code", "state": "s-1"})
	out, err := client.CompletePayment(context.Background(), in)
	if err != nil {
		t.Fatalf("CompletePayment: %v", err)
	}
	if flow.gotCode != "auth-code" || flow.gotState != "s-1" {
		t.Fatalf("flow received code=%q state=%q", flow.gotCode, flow.gotState)
	}
	if got := out.GetFields()["paymentId"].GetStringValue(); got != "p-1" {
		t.Fatalf("paymentId = %q", got)
	}
}

func TestFlowErrorsMapToStatusCodes(t *testing.T) {
	cases := []struct {
		kind orchestrator.Kind
		want codes.Code
	}{
		{orchestrator.KindMissingAuthorizationCode, codes.InvalidArgument},
		{orchestrator.KindInvalidRequest, codes.InvalidArgument},
		{orchestrator.KindUnknownOrExpiredState, codes.FailedPrecondition},
		{orchestrator.KindNetworkTimeout, codes.DeadlineExceeded},
		{orchestrator.KindUpstreamRejected, codes.Aborted},
		{orchestrator.KindSigning, codes.Internal},
		{orchestrator.KindUpstreamAuth, codes.Unavailable},
		{orchestrator.KindUpstreamUnavailable, codes.Unavailable},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			flow := &fakeFlow{err: &orchestrator.FlowError{Kind: tc.kind, Step: orchestrator.StepCallback, Err: errors.New("boom")}}
			client := dialFlow(t, flow)
			in, _ := structpb.NewStruct(map[string]any{"code": "x", "state": "y"})
			_, err := client.CompletePayment(context.Background(), in)
			if got := status.Code(err); got != tc.want {
				t.Fatalf("code = %v, want %v (err %v)", got, tc.want, err)
			}
		})
	}
}

func TestInitiatePaymentRejectsUndecodableBody(t *testing.T) {
	client := dialFlow(t, &fakeFlow{})
	in, _ := structpb.NewStruct(map[string]any{"Data": "not-an-object"})
	_, err := client.InitiatePayment(context.Background(), in)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("code = %v, want InvalidArgument", status.Code(err))
	}
}
