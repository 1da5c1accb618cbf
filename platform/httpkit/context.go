package httpkit

import (
	"context"

	"leadflow_backend/platform/logger"
)

func contextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, logger.RequestIDKey, id)
}
