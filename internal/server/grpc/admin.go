package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/gophnotes/internal/directory"
)

// AdminServiceName is the authenticated, read-only operator service.
const AdminServiceName = "gophnotes.Admin"

const listSessionsMethod = "/" + AdminServiceName + "/ListSessions"

// SessionsFunc returns the open sessions of the directory.
type SessionsFunc func(ctx context.Context) ([]directory.SessionInfo, error)

// AdminServer is the handler type of the admin service.
type AdminServer interface {
	ListSessions(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
}

type adminServer struct {
	sessions SessionsFunc
}

// ListSessions reports every open note session and the account that asked.
func (a adminServer) ListSessions(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	account, ok := AccountIDFromCtx(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "no account")
	}
	infos, err := a.sessions(ctx)
	if err != nil {
		return nil, status.FromContextError(err).Err()
	}
	list := make([]any, 0, len(infos))
	for _, s := range infos {
		list = append(list, map[string]any{
			"id":              s.ID,
			"path":            s.Path,
			"type":            s.Type,
			"status":          s.Status,
			"subscriptions":   s.Subscriptions,
			"users_available": s.UsersAvailable,
			"local_users":     s.LocalUsers,
		})
	}
	out, err := structpb.NewStruct(map[string]any{
		"account":  account.String(),
		"sessions": list,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, "encode sessions")
	}
	return out, nil
}

func listSessionsHandler(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if ic == nil {
		return srv.(AdminServer).ListSessions(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: listSessionsMethod}
	return ic(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(AdminServer).ListSessions(ctx, req.(*emptypb.Empty))
	})
}

var adminServiceDesc = grpc.ServiceDesc{
	ServiceName: AdminServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListSessions", Handler: listSessionsHandler},
	},
	Streams: []grpc.StreamDesc{},
}
