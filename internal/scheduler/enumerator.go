package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/remindbot/internal/db"
	"github.com/lalithlochan/remindbot/internal/metrics"
)

// NamedSource pairs a TenantSource with a label for logs and metrics.
type NamedSource struct {
	Name   string
	Source TenantSource
}

// Enumerator lists the tenants that should be processed in a tick.
//
// Sources are consulted in order; the first one that answers wins. When
// every source fails the tick simply sees no tenants. List never fails.
type Enumerator struct {
	sources []NamedSource
	logger  *zap.Logger
}

// NewEnumerator creates an enumerator over primary with optional fallbacks.
func NewEnumerator(logger *zap.Logger, primary NamedSource, fallbacks ...NamedSource) *Enumerator {
	return &Enumerator{
		sources: append([]NamedSource{primary}, fallbacks...),
		logger:  logger,
	}
}

// List returns the ids of all available tenants, each at most once.
func (e *Enumerator) List(ctx context.Context) []string {
	for _, src := range e.sources {
		if src.Source == nil {
			continue
		}

		tenants, err := e.listFrom(ctx, src)
		if err != nil {
			metrics.RecordEnumerationFailure(src.Name)
			e.logger.Warn("tenant enumeration failed",
				zap.String("source", src.Name),
				zap.Error(err),
			)
			continue
		}

		ids := make([]string, 0, len(tenants))
		seen := make(map[string]struct{}, len(tenants))
		for _, t := range tenants {
			if t == nil || t.ID == "" || t.Unavailable {
				continue
			}
			if _, dup := seen[t.ID]; dup {
				continue
			}
			seen[t.ID] = struct{}{}
			ids = append(ids, t.ID)
		}

		e.logger.Debug("tenants enumerated",
			zap.String("source", src.Name),
			zap.Int("listed", len(tenants)),
			zap.Int("available", len(ids)),
		)
		return ids
	}

	return []string{}
}

func (e *Enumerator) listFrom(ctx context.Context, src NamedSource) (tenants []*db.Tenant, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tenant source panicked: %v", r)
		}
	}()
	return src.Source.ListTenants(ctx)
}
