package middleware

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	grpczap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	grpcrecovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"

	"github.com/instill-ai/docflow-backend/pkg/constant"
)

// RecoveryInterceptorOpt turns a panic in a gRPC handler into an Internal
// error.
func RecoveryInterceptorOpt() grpcrecovery.Option {
	return grpcrecovery.WithRecoveryHandler(func(p any) error {
		return status.Errorf(codes.Internal, "panic triggered: %v", p)
	})
}

var healthMethod = regexp.MustCompile(`^/grpc\.health\.v1\.Health/.*$`)

// GRPCZapOptions skips the logs of successful health checks.
func GRPCZapOptions() []grpczap.Option {
	return []grpczap.Option{
		grpczap.WithDecider(func(fullMethodName string, err error) bool {
			return err != nil || !healthMethod.MatchString(fullMethodName)
		}),
	}
}

// statusRecorder keeps the response code. It must still be hijackable for
// the websocket upgrade.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer doesn't support hijacking")
	}
	r.code = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// HTTPLogger wraps a gateway handler with access logs and panic recovery.
func HTTPLogger(logger *zap.Logger, next runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}

		defer func() {
			if p := recover(); p != nil {
				logger.Error("Panic while serving request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Error(fmt.Errorf("%v", p)),
					zap.Stack("stack"))
				rec.WriteHeader(http.StatusInternalServerError)
			}

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.code),
				zap.Duration("duration", time.Since(start)),
			}
			if id := r.Header.Get(constant.HeaderRequestID); id != "" {
				fields = append(fields, zap.String("requestID", id))
			}

			switch {
			case rec.code >= http.StatusInternalServerError:
				logger.Error("HTTP request", fields...)
			case rec.code >= http.StatusBadRequest:
				logger.Warn("HTTP request", fields...)
			default:
				logger.Debug("HTTP request", fields...)
			}
		}()

		next(rec, r, pathParams)
	}
}
