package handler

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"edustorage/internal/domain"
	"edustorage/internal/repository/memory"
	"edustorage/internal/service"
)

func dialQuotaServer(t *testing.T, store *memory.Store) *grpc.ClientConn {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnaryInterceptor(UnaryLogger(zap.NewNop())))
	RegisterQuotaServer(srv, NewQuotaGRPCHandler(service.NewStorageQuotaService(store, zap.NewNop()), zap.NewNop()))
	healthpb.RegisterHealthServer(srv, health.NewServer())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGRPCGetQuota(t *testing.T) {
	store := memory.NewStore(1000)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r, err := store.Reserve(ctx, domain.ReservationRequest{OwnerID: "u1", Bytes: 250, StorageKey: "users/u1/k", TTL: time.Minute})
	require.NoError(t, err)
	require.NoError(t, store.Commit(ctx, r.ID))

	conn := dialQuotaServer(t, store)

	out := new(structpb.Struct)
	require.NoError(t, conn.Invoke(ctx, GetQuotaFullMethod, wrapperspb.String("u1"), out))
	fields := out.AsMap()
	assert.Equal(t, "u1", fields["userId"])
	assert.EqualValues(t, 1000, fields["totalQuota"])
	assert.EqualValues(t, 250, fields["usedStorage"])
	assert.EqualValues(t, 750, fields["availableStorage"])

	err = conn.Invoke(ctx, GetQuotaFullMethod, wrapperspb.String("ghost"), new(structpb.Struct))
	assert.Equal(t, codes.NotFound, status.Code(err))

	err = conn.Invoke(ctx, GetQuotaFullMethod, wrapperspb.String(""), new(structpb.Struct))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	err = conn.Invoke(ctx, GetQuotaFullMethod, wrapperspb.String("../u1"), new(structpb.Struct))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	hc, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, hc.GetStatus())
}
