package handler

import (
	"context"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/pesio-ai/be-plt-workflow/internal/platform/errors"
	"github.com/pesio-ai/be-plt-workflow/internal/platform/identity"
	"github.com/pesio-ai/be-plt-workflow/internal/repository"
	"github.com/pesio-ai/be-plt-workflow/internal/service"
	"github.com/pesio-ai/be-plt-workflow/internal/workflowpb"
)

// UnaryInterceptors returns the server interceptor chain: panic recovery,
// request logging, authentication, then the ABAC gate. Health and
// reflection services skip authentication.
func UnaryInterceptors(log zerolog.Logger, verifier *identity.Verifier, matcher *service.AbacMatcher) []grpc.UnaryServerInterceptor {
	return []grpc.UnaryServerInterceptor{
		recoveryInterceptor(log),
		loggingInterceptor(log),
		authInterceptor(verifier),
		abacInterceptor(matcher),
	}
}

func recoveryInterceptor(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Str("method", info.FullMethod).
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("Recovered from gRPC handler panic")
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}

func loggingInterceptor(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		log.Info().
			Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC request")
		return resp, err
	}
}

// authInterceptor reads the bearer token (or trusted x-user-* headers) from
// incoming metadata.
func authInterceptor(verifier *identity.Verifier) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !isWorkflowMethod(info.FullMethod) {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		header := func(key string) string {
			if v := md.Get(strings.ToLower(key)); len(v) > 0 {
				return v[0]
			}
			return ""
		}
		p, err := verifier.Authenticate(header("authorization"), header)
		if err != nil {
			return nil, mapErrorToGRPC(err)
		}
		return handler(identity.WithPrincipal(ctx, p), req)
	}
}

// abacInterceptor gates workflow methods with the rule matcher, using the
// full method name as endpoint.
func abacInterceptor(matcher *service.AbacMatcher) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !isWorkflowMethod(info.FullMethod) {
			return handler(ctx, req)
		}
		p, err := identity.Require(ctx)
		if err != nil {
			return nil, mapErrorToGRPC(err)
		}
		d := matcher.Resolve(ctx, service.AccessRequest{
			Endpoint: info.FullMethod,
			Action:   methodAction(info.FullMethod),
			Roles:    p.Roles,
			Scopes:   p.DirectionIDs,
		})
		if !d.Permitted() {
			return nil, mapErrorToGRPC(errors.PermissionDenied("access denied: " + d.Reason))
		}
		return handler(ctx, req)
	}
}

func isWorkflowMethod(fullMethod string) bool {
	return strings.HasPrefix(fullMethod, "/"+workflowpb.ServiceName+"/")
}

func methodAction(fullMethod string) repository.Action {
	if strings.HasSuffix(fullMethod, "/ExecuteTransition") {
		return repository.ActionCreate
	}
	return repository.ActionRead
}
