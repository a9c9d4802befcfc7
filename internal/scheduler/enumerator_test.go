package scheduler

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"go.uber.org/zap"

	"github.com/lalithlochan/remindbot/internal/db"
)

type mockSource struct {
	tenants []*db.Tenant
	err     error
	panics  bool
	calls   int
}

func (m *mockSource) ListTenants(ctx context.Context) ([]*db.Tenant, error) {
	m.calls++
	if m.panics {
		panic("registry corrupted")
	}
	return m.tenants, m.err
}

func TestEnumerator_FiltersUnavailable(t *testing.T) {
	src := &mockSource{tenants: []*db.Tenant{
		{ID: "A"},
		{ID: "B", Unavailable: true},
		{ID: "C"},
		nil,
		{ID: ""},
		{ID: "A"},
	}}
	e := NewEnumerator(zap.NewNop(), NamedSource{Name: "postgres", Source: src})

	got := e.List(context.Background())

	if !reflect.DeepEqual(got, []string{"A", "C"}) {
		t.Fatalf("List = %v", got)
	}
}

func TestEnumerator_FallsBackOnError(t *testing.T) {
	primary := &mockSource{err: errors.New("redis: connection refused")}
	fallback := &mockSource{tenants: []*db.Tenant{{ID: "A"}}}
	e := NewEnumerator(zap.NewNop(),
		NamedSource{Name: "redis", Source: primary},
		NamedSource{Name: "postgres", Source: fallback},
	)

	got := e.List(context.Background())

	if !reflect.DeepEqual(got, []string{"A"}) || fallback.calls != 1 {
		t.Fatalf("List = %v, fallback calls = %d", got, fallback.calls)
	}
}

func TestEnumerator_PrimaryAnswerWins(t *testing.T) {
	primary := &mockSource{tenants: []*db.Tenant{}}
	fallback := &mockSource{tenants: []*db.Tenant{{ID: "A"}}}
	e := NewEnumerator(zap.NewNop(),
		NamedSource{Name: "redis", Source: primary},
		NamedSource{Name: "postgres", Source: fallback},
	)

	if got := e.List(context.Background()); len(got) != 0 {
		t.Fatalf("List = %v", got)
	}
	if fallback.calls != 0 {
		t.Fatal("fallback must not be consulted when the primary answers")
	}
}

func TestEnumerator_NeverFails(t *testing.T) {
	tests := []struct {
		name    string
		sources []NamedSource
	}{
		{"error", []NamedSource{{Name: "a", Source: &mockSource{err: errors.New("down")}}}},
		{"panic", []NamedSource{{Name: "a", Source: &mockSource{panics: true}}}},
		{"nil source", []NamedSource{{Name: "a"}}},
		{"all fail", []NamedSource{
			{Name: "a", Source: &mockSource{err: errors.New("down")}},
			{Name: "b", Source: &mockSource{panics: true}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEnumerator(zap.NewNop(), tt.sources[0], tt.sources[1:]...)
			got := e.List(context.Background())
			if got == nil || len(got) != 0 {
				t.Fatalf("List = %#v, want empty non-nil", got)
			}
		})
	}
}
