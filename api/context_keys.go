package api

import "context"

// contextKey is a private type to prevent context key collisions across packages
type contextKey string

// ContextKeyOperator stores the resolved operator identity (string)
const ContextKeyOperator contextKey = "operator"

func withOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, ContextKeyOperator, operator)
}

// OperatorFromContext returns the operator identity, or "" for anonymous callers
func OperatorFromContext(ctx context.Context) string {
	operator, _ := ctx.Value(ContextKeyOperator).(string)
	return operator
}
