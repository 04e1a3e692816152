package service

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/cropwatch/device-auth/internal/service"

func startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name)
}

// audit writes a security event. kv alternates keys and values; values must
// never carry raw tokens or activation codes.
func audit(logger *zap.Logger, event string, kv ...any) {
	fields := make([]zap.Field, 0, len(kv)/2+1)
	fields = append(fields, zap.String("event", event))
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, kv[i+1]))
	}
	logger.Named("audit").Info(event, fields...)
}

func orGlobal(logger *zap.Logger) *zap.Logger {
	if logger != nil {
		return logger
	}
	return zap.L()
}
