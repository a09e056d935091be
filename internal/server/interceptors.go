package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"connectrpc.com/connect"
	"golang.org/x/time/rate"

	"github.com/dantte-lp/gopunch/internal/registry"
	"github.com/dantte-lp/gopunch/pkg/punchpb/punch/v1/punchv1connect"
)

// ErrPanicRecovered indicates an RPC handler panicked and was recovered.
var ErrPanicRecovered = errors.New("panic recovered in rpc handler")

// ErrRateLimited indicates the server-wide RPC rate limit was exceeded.
var ErrRateLimited = errors.New("rpc rate limit exceeded")

// LoggingInterceptor returns a ConnectRPC unary interceptor that records one
// line per rendezvous RPC: procedure, caller peer, duration, and the connect
// error code when the call failed.
//
// Successful calls log at Info; failed calls log at Warn with the code, so a
// burst of NotFound from stale listing ids is distinguishable from Internal
// faults.
func LoggingInterceptor(logger *slog.Logger) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			began := time.Now()
			resp, err := next(ctx, req)

			attrs := []slog.Attr{
				slog.String("procedure", req.Spec().Procedure),
				slog.String("peer", req.Peer().Addr),
				slog.Duration("duration", time.Since(began)),
			}

			if err != nil {
				attrs = append(attrs,
					slog.String("code", connect.CodeOf(err).String()),
					slog.String("error", err.Error()),
				)
				logger.LogAttrs(ctx, slog.LevelWarn, "rpc completed with error", attrs...)
				return resp, err
			}

			logger.LogAttrs(ctx, slog.LevelInfo, "rpc completed", attrs...)
			return resp, nil
		}
	}
}

// RecoveryInterceptor returns a ConnectRPC unary interceptor that converts
// handler panics into CodeInternal errors instead of tearing down the
// daemon; a panicking Join must not take every live session down with it.
//
// Each recovered panic is logged at Error with the stack trace and counted
// as a failed punch orchestration on the metrics reporter when the panicking
// procedure was Join.
func RecoveryInterceptor(logger *slog.Logger, metrics registry.MetricsReporter) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (resp connect.AnyResponse, retErr error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}

				stack := make([]byte, 4096)
				n := runtime.Stack(stack, false)

				procedure := req.Spec().Procedure

				logger.ErrorContext(ctx, "panic recovered in rpc handler",
					slog.String("procedure", procedure),
					slog.String("peer", req.Peer().Addr),
					slog.Any("panic", r),
					slog.String("stack", string(stack[:n])),
				)

				if metrics != nil && procedure == punchv1connect.PunchServiceJoinProcedure {
					metrics.PunchResult(false)
				}

				retErr = connect.NewError(connect.CodeInternal,
					fmt.Errorf("%s: %w", procedure, ErrPanicRecovered))
			}()

			return next(ctx, req)
		}
	}
}

// RateLimitInterceptor returns a ConnectRPC unary interceptor that rejects
// calls beyond the given token-bucket limiter with CodeResourceExhausted.
// The limiter is shared across all unary procedures.
func RateLimitInterceptor(limiter *rate.Limiter) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			if !limiter.Allow() {
				return nil, connect.NewError(connect.CodeResourceExhausted,
					fmt.Errorf("%s: %w", req.Spec().Procedure, ErrRateLimited))
			}
			return next(ctx, req)
		}
	}
}
