package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/rex/internal/domain"
	"github.com/shaiso/rex/internal/store"
	"github.com/shaiso/rex/internal/txn"
)

func newRunner(s store.Store) *txn.Runner {
	return txn.NewRunner(txn.Config{Store: s})
}

// recordingVerifier запоминает вызовы и возвращает заданный результат.
type recordingVerifier struct {
	mu    sync.Mutex
	calls []domain.ClusteredJobReference
	next  func(ref domain.ClusteredJobReference) *domain.ClusteredJobReference
}

func (v *recordingVerifier) VerifyJob(_ context.Context, ref domain.ClusteredJobReference) (*domain.ClusteredJobReference, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls = append(v.calls, ref)
	if v.next != nil {
		return v.next(ref), nil
	}
	return nil, nil
}

func (v *recordingVerifier) count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.calls)
}

// --- Registry Tests ---

func TestRegistry_EnlistLookupDelist(t *testing.T) {
	r := newRunner(store.NewMemory())
	reg := NewRegistry("node-1")
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var ref domain.ClusteredJobReference
	err := r.Run(context.Background(), func(ctx context.Context, u *txn.Unit) error {
		var err error
		ref, err = reg.Enlist(ctx, u, domain.JobCancelTimeout, "a", now.Add(time.Minute), now)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, "node-1", ref.Owner)
	require.NotEmpty(t, ref.ID)

	jc, err := DecodeContext(ref)
	require.NoError(t, err)
	require.True(t, jc.Deadline.Equal(now.Add(time.Minute)))

	err = r.Run(context.Background(), func(ctx context.Context, u *txn.Unit) error {
		owned, err := reg.Owned(ctx, u, ref)
		require.NoError(t, err)
		require.True(t, owned)

		other := NewRegistry("node-2")
		owned, err = other.Owned(ctx, u, ref)
		require.NoError(t, err)
		require.False(t, owned)

		return reg.DelistTask(ctx, u, "a")
	})
	require.NoError(t, err)

	err = r.Run(context.Background(), func(ctx context.Context, u *txn.Unit) error {
		found, err := reg.Lookup(ctx, u, domain.JobCancelTimeout, "a")
		require.NoError(t, err)
		require.Nil(t, found)
		return nil
	})
	require.NoError(t, err)
}

func TestRegistry_EnlistReplacesPrevious(t *testing.T) {
	r := newRunner(store.NewMemory())
	reg := NewRegistry("node-1")
	now := time.Now()

	var first, second domain.ClusteredJobReference
	require.NoError(t, r.Run(context.Background(), func(ctx context.Context, u *txn.Unit) error {
		var err error
		first, err = reg.Enlist(ctx, u, domain.JobHeartbeatVerify, "a", now, now)
		return err
	}))
	require.NoError(t, r.Run(context.Background(), func(ctx context.Context, u *txn.Unit) error {
		var err error
		second, err = reg.Enlist(ctx, u, domain.JobHeartbeatVerify, "a", now, now)
		return err
	}))
	require.NotEqual(t, first.ID, second.ID)

	require.NoError(t, r.Run(context.Background(), func(ctx context.Context, u *txn.Unit) error {
		// Старая ссылка больше не принадлежит узлу
		owned, err := reg.Owned(ctx, u, first)
		require.NoError(t, err)
		require.False(t, owned)

		refs, err := reg.List(ctx, u)
		require.NoError(t, err)
		require.Len(t, refs, 1)
		return nil
	}))
}

// --- Manager Tests ---

func TestManager_FiresAtDeadline(t *testing.T) {
	mock := clock.NewMock()
	v := &recordingVerifier{}
	m := NewManager(Config{
		Runner:   newRunner(store.NewMemory()),
		Registry: NewRegistry("node-1"),
		Verifier: v,
		Clock:    mock,
	})

	ref := WithDeadline(domain.ClusteredJobReference{
		ID: "j1", Owner: "node-1", Type: domain.JobCancelTimeout, TaskName: "a",
	}, mock.Now().Add(5*time.Second))
	m.Schedule(ref)
	require.Equal(t, 1, m.Active())

	mock.Add(4 * time.Second)
	require.Never(t, func() bool { return v.count() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return v.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return m.Active() == 0 }, time.Second, 5*time.Millisecond)
}

func TestManager_Reschedules(t *testing.T) {
	mock := clock.NewMock()
	v := &recordingVerifier{}
	v.next = func(ref domain.ClusteredJobReference) *domain.ClusteredJobReference {
		if len(v.calls) > 1 {
			return nil
		}
		next := WithDeadline(ref, mock.Now().Add(time.Second))
		return &next
	}

	m := NewManager(Config{
		Runner:   newRunner(store.NewMemory()),
		Registry: NewRegistry("node-1"),
		Verifier: v,
		Clock:    mock,
	})

	m.Schedule(WithDeadline(domain.ClusteredJobReference{
		ID: "j1", Owner: "node-1", Type: domain.JobHeartbeatVerify, TaskName: "a",
	}, mock.Now()))

	mock.Add(0)
	require.Eventually(t, func() bool { return v.count() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return m.Active() == 1 }, time.Second, 5*time.Millisecond)

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return v.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestManager_ReplaceDropsStaleTimer(t *testing.T) {
	mock := clock.NewMock()
	v := &recordingVerifier{}
	m := NewManager(Config{
		Runner:   newRunner(store.NewMemory()),
		Registry: NewRegistry("node-1"),
		Verifier: v,
		Clock:    mock,
	})

	base := domain.ClusteredJobReference{Owner: "node-1", Type: domain.JobCancelTimeout, TaskName: "a"}
	first := base
	first.ID = "old"
	second := base
	second.ID = "new"

	m.Schedule(WithDeadline(first, mock.Now().Add(time.Second)))
	m.Schedule(WithDeadline(second, mock.Now().Add(2*time.Second)))
	require.Equal(t, 1, m.Active())

	mock.Add(3 * time.Second)
	require.Eventually(t, func() bool { return v.count() == 1 }, time.Second, 5*time.Millisecond)

	v.mu.Lock()
	defer v.mu.Unlock()
	require.Equal(t, "new", v.calls[0].ID)
}

func TestManager_AdoptsOrphanedJobs(t *testing.T) {
	mock := clock.NewMock()
	s := store.NewMemory()
	r := newRunner(s)
	dead := NewRegistry("node-dead")

	// Узел node-dead оставил job и перестал обновлять запись
	require.NoError(t, r.Run(context.Background(), func(ctx context.Context, u *txn.Unit) error {
		if err := dead.Touch(ctx, u, mock.Now()); err != nil {
			return err
		}
		_, err := dead.Enlist(ctx, u, domain.JobCancelTimeout, "a", mock.Now().Add(time.Hour), mock.Now())
		return err
	}))

	mock.Add(time.Minute)

	v := &recordingVerifier{}
	m := NewManager(Config{
		Runner:   r,
		Registry: NewRegistry("node-live"),
		Verifier: v,
		Clock:    mock,
		LeaseTTL: 30 * time.Second,
	})

	n, err := m.Adopt(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, m.Active())

	require.NoError(t, r.Run(context.Background(), func(ctx context.Context, u *txn.Unit) error {
		ref, err := dead.Lookup(ctx, u, domain.JobCancelTimeout, "a")
		require.NoError(t, err)
		require.Equal(t, "node-live", ref.Owner)

		instances, err := dead.Instances(ctx, u)
		require.NoError(t, err)
		require.Empty(t, instances)
		return nil
	}))

	// Повторный Adopt ничего не забирает
	n, err = m.Adopt(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestManager_LiveOwnerKeepsJobs(t *testing.T) {
	mock := clock.NewMock()
	r := newRunner(store.NewMemory())
	owner := NewRegistry("node-a")

	require.NoError(t, r.Run(context.Background(), func(ctx context.Context, u *txn.Unit) error {
		if err := owner.Touch(ctx, u, mock.Now()); err != nil {
			return err
		}
		_, err := owner.Enlist(ctx, u, domain.JobHeartbeatVerify, "a", mock.Now(), mock.Now())
		return err
	}))

	m := NewManager(Config{Runner: r, Registry: NewRegistry("node-b"), Clock: mock})
	n, err := m.Adopt(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestManager_StopKeepsReferences(t *testing.T) {
	mock := clock.NewMock()
	r := newRunner(store.NewMemory())
	reg := NewRegistry("node-1")
	v := &recordingVerifier{}
	m := NewManager(Config{Runner: r, Registry: reg, Verifier: v, Clock: mock})

	require.NoError(t, m.Start(context.Background()))

	var ref domain.ClusteredJobReference
	require.NoError(t, r.Run(context.Background(), func(ctx context.Context, u *txn.Unit) error {
		var err error
		ref, err = reg.Enlist(ctx, u, domain.JobCancelTimeout, "a", mock.Now().Add(time.Minute), mock.Now())
		return err
	}))
	m.Schedule(ref)

	m.Stop()
	require.Equal(t, 0, m.Active())

	mock.Add(2 * time.Minute)
	require.Never(t, func() bool { return v.count() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	require.NoError(t, r.Run(context.Background(), func(ctx context.Context, u *txn.Unit) error {
		found, err := reg.Lookup(ctx, u, domain.JobCancelTimeout, "a")
		require.NoError(t, err)
		require.NotNil(t, found)
		return nil
	}))
}
