package provider

import (
	"context"
	"time"
)

// WithTimeout bounds every call made through inv.
func WithTimeout(inv Invoker, d time.Duration) Invoker {
	return InvokerFunc(func(ctx context.Context, call Call) (Response, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		resp, err := inv.Invoke(ctx, call)
		if err != nil {
			return Response{}, Classify(err)
		}
		return resp, nil
	})
}
