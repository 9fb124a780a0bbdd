package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/rolegraph/pkg/rbac"
)

type recordedCall struct {
	op      string
	backend string
	err     error
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (o *recordingObserver) ObserveStorage(operation, backend string, d time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, recordedCall{op: operation, backend: backend, err: err})
}

type failingRepository struct {
	*rbac.MemoryRepository
}

func (failingRepository) SaveRules(ctx context.Context, rules []rbac.PermissionRule) error {
	return errors.New("disk full")
}

func TestInstrumentedRepository_ObservesCalls(t *testing.T) {
	observer := &recordingObserver{}
	repo := Instrument(rbac.NewMemoryRepository(), "memory", observer)

	ctx := context.Background()
	engine, err := rbac.NewEngine(ctx, repo)
	require.NoError(t, err)

	_, err = engine.CreateRole(ctx, rbac.RoleSpec{Name: "viewer"})
	require.NoError(t, err)

	ops := make([]string, 0, len(observer.calls))
	for _, c := range observer.calls {
		assert.Equal(t, "memory", c.backend)
		assert.NoError(t, c.err)
		ops = append(ops, c.op)
	}
	assert.Equal(t, []string{"load_roles", "load_permissions", "load_rules", "save_role"}, ops)
}

func TestInstrumentedRepository_ObservesErrors(t *testing.T) {
	observer := &recordingObserver{}
	repo := Instrument(failingRepository{rbac.NewMemoryRepository()}, "memory", observer)

	err := repo.SaveRules(context.Background(), []rbac.PermissionRule{{ID: "r1"}})
	require.EqualError(t, err, "disk full")

	require.Len(t, observer.calls, 1)
	assert.Equal(t, "save_rules", observer.calls[0].op)
	assert.Error(t, observer.calls[0].err)
}

func TestInstrumentedRepository_NilObserver(t *testing.T) {
	repo := Instrument(rbac.NewMemoryRepository(), "memory", nil)
	roles, err := repo.LoadRoles(context.Background())
	require.NoError(t, err)
	assert.Empty(t, roles)
}
