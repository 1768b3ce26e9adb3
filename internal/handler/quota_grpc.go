package handler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"edustorage/internal/domain"
	"edustorage/internal/service"
)

const (
	QuotaServiceName   = "storage.v1.QuotaService"
	GetQuotaFullMethod = "/" + QuotaServiceName + "/GetQuota"
	quotaServiceProto  = "storage/v1/quota.proto"
)

// QuotaServer — gRPC сервис квот. Запрос и ответ — well-known типы protobuf,
// поэтому сгенерированный код не нужен.
type QuotaServer interface {
	GetQuota(ctx context.Context, userID *wrapperspb.StringValue) (*structpb.Struct, error)
}

var QuotaServiceDesc = grpc.ServiceDesc{
	ServiceName: QuotaServiceName,
	HandlerType: (*QuotaServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetQuota", Handler: getQuotaHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: quotaServiceProto,
}

func getQuotaHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(QuotaServer).GetQuota(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GetQuotaFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(QuotaServer).GetQuota(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

type QuotaGRPCHandler struct {
	quotaService *service.StorageQuotaService
	logger       *zap.Logger
}

func NewQuotaGRPCHandler(quotaService *service.StorageQuotaService, logger *zap.Logger) *QuotaGRPCHandler {
	return &QuotaGRPCHandler{quotaService: quotaService, logger: logger}
}

func (h *QuotaGRPCHandler) GetQuota(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	userID := req.GetValue()
	if userID == "" {
		return nil, status.Error(codes.InvalidArgument, "user id is required")
	}

	info, err := h.quotaService.GetQuotaInfo(ctx, userID, false)
	if err != nil {
		return nil, grpcError(err)
	}

	return structpb.NewStruct(map[string]any{
		"userId":           info.UserID,
		"totalQuota":       info.TotalQuota,
		"usedStorage":      info.UsedStorage,
		"availableStorage": info.AvailableStorage,
		"percentageUsed":   info.PercentageUsed,
		"updatedAt":        info.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

// RegisterQuotaServer регистрирует сервис квот на gRPC сервере.
func RegisterQuotaServer(s grpc.ServiceRegistrar, srv QuotaServer) {
	s.RegisterService(&QuotaServiceDesc, srv)
}

func grpcError(err error) error {
	var de *domain.Error
	if !errors.As(err, &de) {
		return status.Error(codes.Internal, "internal error")
	}

	code := codes.Internal
	switch de.Code {
	case domain.CodeUserNotFound, domain.CodeFileNotFound:
		code = codes.NotFound
	case domain.CodeValidation, domain.CodeInvalidFileType, domain.CodeFileTooLarge,
		domain.CodeEmptyFile, domain.CodeInvalidFilename:
		code = codes.InvalidArgument
	case domain.CodePermissionDenied:
		code = codes.PermissionDenied
	case domain.CodeQuotaExceeded:
		code = codes.ResourceExhausted
	case domain.CodeVersionConflict:
		code = codes.Aborted
	case domain.CodeStorageBackend, domain.CodeUpstreamUnavailable:
		code = codes.Unavailable
	}
	return status.Error(code, string(de.Code))
}

// UnaryLogger логирует каждый gRPC вызов.
func UnaryLogger(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("duration", time.Since(start)),
		}
		if err != nil && status.Code(err) == codes.Internal {
			logger.Error("gRPC request failed", append(fields, zap.Error(err))...)
			return resp, err
		}
		logger.Info("gRPC request", fields...)
		return resp, err
	}
}
