package grpcserver

import (
	"context"

	"github.com/and161185/careshield/internal/model"
)

type ctxKey string

const identityKey ctxKey = "careshield.identity"

// WithIdentity stores the resolved caller identity in context.
func WithIdentity(ctx context.Context, id model.IdentityContext) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromCtx fetches the caller identity from context.
func IdentityFromCtx(ctx context.Context) (model.IdentityContext, bool) {
	v := ctx.Value(identityKey)
	if v == nil {
		return model.IdentityContext{}, false
	}
	id, ok := v.(model.IdentityContext)
	return id, ok
}
