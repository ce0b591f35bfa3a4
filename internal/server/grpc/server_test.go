package grpcserver

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/gophnotes/internal/directory"
)

func TestHealthFollowsReadiness(t *testing.T) {
	t.Parallel()

	var ready atomic.Bool
	s := New(zaptest.NewLogger(t), fakeAuth{}, func(context.Context) bool { return ready.Load() }, nil, false)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(func() { s.Stop(time.Second) })

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	hc := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: DirectoryService})
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		return resp.GetStatus()
	}

	if got := check(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("before readiness check: %s", got)
	}
	ready.Store(true)
	if !s.Probe(context.Background()) {
		t.Fatalf("readiness check should report ready")
	}
	if got := check(); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("after readiness check: %s", got)
	}
}

func TestAdmin_ListSessions(t *testing.T) {
	t.Parallel()

	id := uuid.Must(uuid.NewV4())
	auth := fakeAuth{tokens: map[string]uuid.UUID{"good": id}}
	sessions := func(context.Context) ([]directory.SessionInfo, error) {
		return []directory.SessionInfo{{ID: 7, Path: "/docs/plan", Type: "text", Status: "running", Subscriptions: 2, UsersAvailable: 3, LocalUsers: 1}}, nil
	}
	s := New(zaptest.NewLogger(t), auth, func(context.Context) bool { return true }, sessions, false)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(func() { s.Stop(time.Second) })

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := &structpb.Struct{}
	err = conn.Invoke(ctx, listSessionsMethod, &emptypb.Empty{}, out)
	if st, ok := status.FromError(err); !ok || st.Code() != codes.Unauthenticated {
		t.Fatalf("without token: want Unauthenticated, got %v", err)
	}

	authed := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer good")
	if err := conn.Invoke(authed, listSessionsMethod, &emptypb.Empty{}, out); err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	got := out.AsMap()
	if got["account"] != id.String() {
		t.Fatalf("account: got %v, want %s", got["account"], id)
	}
	list, ok := got["sessions"].([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("sessions: %#v", got["sessions"])
	}
	first := list[0].(map[string]any)
	if first["path"] != "/docs/plan" || first["id"] != float64(7) || first["subscriptions"] != float64(2) {
		t.Fatalf("unexpected session: %#v", first)
	}
}
