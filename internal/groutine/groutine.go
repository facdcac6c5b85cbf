package groutine

import (
	"context"
	"fmt"
	"runtime/pprof"

	"github.com/sirupsen/logrus"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Go starts a named goroutine. The name is attached as a pprof label and
// stored in the context handed to fn.
//
//	groutine.Go(ctx, "link-rx", func(ctx context.Context) {
//	    // drain chunks
//	})
//
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) {
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		fn(ctx)
	})
}

// GoSafe is Go with panic recovery. A panic in fn is logged with the
// goroutine name and swallowed so a broken observer cannot take down the
// process. done, when non-nil, runs after fn returns or panics.
func GoSafe(parentCtx context.Context, name string, logger *logrus.Logger, fn func(ctx context.Context), done func()) {
	Go(parentCtx, name, func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil && logger != nil {
				logger.WithFields(logrus.Fields{
					"goroutine": name,
					"panic":     fmt.Sprint(r),
				}).Error("Goroutine panicked")
			}
			if done != nil {
				done()
			}
		}()
		fn(ctx)
	})
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(goroutineNameKey).(string); ok {
		return v
	}
	return ""
}
