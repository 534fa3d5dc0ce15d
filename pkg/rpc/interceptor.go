package rpc

import (
	"context"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/confluxdb/conflux/pkg/log"
)

// LoggingInterceptor logs every peer RPC's method and duration at debug
// level. Each call is tagged with a generated request id so a single
// RPC's log lines can be correlated without threading an ID through
// every handler signature.
func LoggingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		requestID := uuid.New().String()
		resp, err := handler(ctx, req)
		entry := log.Logger.Debug().Str("method", info.FullMethod).Str("request_id", requestID).Dur("elapsed", time.Since(start))
		if err != nil {
			entry.Err(err).Msg("peer rpc failed")
		} else {
			entry.Msg("peer rpc ok")
		}
		return resp, err
	}
}
