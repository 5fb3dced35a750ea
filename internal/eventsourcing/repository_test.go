package eventsourcing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prohmpiriya/conference-registration/internal/domain"
	"github.com/prohmpiriya/conference-registration/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetrier(maxRetries int) *retry.Retrier {
	return retry.New(&retry.Config{
		MaxRetries:      maxRetries,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2,
		JitterFactor:    0.5,
	})
}

func newTallyRepo(store EventStore, maxRetries int) *Repository[*tally] {
	return NewRepository(store, "tally", newTally, fastRetrier(maxRetries))
}

func TestRepository_FindNotFound(t *testing.T) {
	repo := newTallyRepo(NewMemoryStore(), 0)

	_, err := repo.Find(context.Background(), "missing")
	assert.True(t, domain.IsNotFound(err))
}

func TestRepository_SaveAndFind(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	repo := newTallyRepo(store, 0)

	a := newTally("c1")
	require.NoError(t, a.add("general", 5))
	require.NoError(t, repo.Save(ctx, a))
	assert.Empty(t, a.Uncommitted())

	require.NoError(t, a.add("general", 2))
	require.NoError(t, repo.Save(ctx, a))

	loaded, err := repo.Find(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.seats["general"])
	assert.Equal(t, 2, loaded.Version())
	assert.Equal(t, []string{"tally-c1"}, store.StreamIDs())
}

func TestRepository_SaveStaleCopyConflicts(t *testing.T) {
	ctx := context.Background()
	repo := newTallyRepo(NewMemoryStore(), 0)

	a := newTally("c1")
	require.NoError(t, a.add("general", 5))
	require.NoError(t, repo.Save(ctx, a))

	first, err := repo.Find(ctx, "c1")
	require.NoError(t, err)
	second, err := repo.Find(ctx, "c1")
	require.NoError(t, err)

	require.NoError(t, first.add("general", 1))
	require.NoError(t, repo.Save(ctx, first))

	require.NoError(t, second.add("general", 1))
	assert.True(t, domain.IsConcurrencyConflict(repo.Save(ctx, second)))
}

func TestRepository_Execute(t *testing.T) {
	ctx := context.Background()

	t.Run("must exist", func(t *testing.T) {
		repo := newTallyRepo(NewMemoryStore(), 3)
		called := false
		err := repo.Execute(ctx, "c1", MustExist, func(a *tally) error {
			called = true
			return nil
		})
		assert.True(t, domain.IsNotFound(err))
		assert.False(t, called)
	})

	t.Run("create if missing", func(t *testing.T) {
		repo := newTallyRepo(NewMemoryStore(), 3)
		require.NoError(t, repo.Execute(ctx, "c1", CreateIfMissing, func(a *tally) error {
			return a.add("general", 3)
		}))

		loaded, err := repo.Find(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, 3, loaded.seats["general"])
	})

	t.Run("handler error is not retried", func(t *testing.T) {
		repo := newTallyRepo(NewMemoryStore(), 3)
		attempts := 0
		err := repo.Execute(ctx, "c1", CreateIfMissing, func(a *tally) error {
			attempts++
			return domain.ErrInvalidRequest
		})
		assert.ErrorIs(t, err, domain.ErrInvalidRequest)
		assert.Equal(t, 1, attempts)
	})
}

// racingStore lets another writer win the first append
type racingStore struct {
	*MemoryStore
	once   sync.Once
	racer  func()
	always bool
}

func (s *racingStore) Append(ctx context.Context, streamID string, expectedVersion int, events []domain.Event) error {
	if s.always {
		return domain.ErrConcurrencyConflict
	}
	s.once.Do(s.racer)
	return s.MemoryStore.Append(ctx, streamID, expectedVersion, events)
}

func TestRepository_ExecuteReloadsOnConflict(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	require.NoError(t, mem.Append(ctx, "tally-c1", 0, []domain.Event{seatsChanged("c1", 1, "general", 10)}))

	store := &racingStore{MemoryStore: mem}
	store.racer = func() {
		require.NoError(t, mem.Append(ctx, "tally-c1", 1, []domain.Event{seatsChanged("c1", 2, "general", -4)}))
	}
	repo := newTallyRepo(store, 3)

	var seen []int
	err := repo.Execute(ctx, "c1", MustExist, func(a *tally) error {
		seen = append(seen, a.seats["general"])
		return a.add("general", -1)
	})
	require.NoError(t, err)

	// The second attempt observed the competing write
	assert.Equal(t, []int{10, 6}, seen)

	loaded, err := repo.Find(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 5, loaded.seats["general"])
	assert.Equal(t, 3, loaded.Version())
}

func TestRepository_ExecuteGivesUp(t *testing.T) {
	ctx := context.Background()
	store := &racingStore{MemoryStore: NewMemoryStore(), always: true}
	repo := newTallyRepo(store, 2)

	attempts := 0
	err := repo.Execute(ctx, "c1", CreateIfMissing, func(a *tally) error {
		attempts++
		return a.add("general", 1)
	})
	require.Error(t, err)
	assert.True(t, domain.IsConcurrencyConflict(err))
	assert.Contains(t, err.Error(), "giving up after 3 attempts")
	assert.Equal(t, 3, attempts)
}

func TestRepository_ExecuteStoreFailure(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("disk full")
	store := &failingStore{err: boom}
	repo := newTallyRepo(store, 3)

	err := repo.Execute(ctx, "c1", CreateIfMissing, func(a *tally) error { return a.add("general", 1) })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, store.appends)
}

type failingStore struct {
	err     error
	appends int
}

func (s *failingStore) Load(ctx context.Context, streamID string) ([]domain.Event, error) {
	return nil, nil
}

func (s *failingStore) Append(ctx context.Context, streamID string, expectedVersion int, events []domain.Event) error {
	s.appends++
	return s.err
}
