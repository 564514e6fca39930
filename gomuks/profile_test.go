package gomuks

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"testing/synctest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

const (
	roomA = id.RoomID("!a:example.com")
	roomB = id.RoomID("!b:example.com")
	alice = id.UserID("@alice:example.com")
)

// memProfileStore is an in-memory profileStore for tests.
type memProfileStore struct {
	mu   sync.Mutex
	data []byte
}

func (m *memProfileStore) GlobalProfiles() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.data, nil
}

func (m *memProfileStore) SetGlobalProfiles(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data = data

	return nil
}

func TestObserve_FirstWriteBecomesGlobal(t *testing.T) {
	r := NewProfileResolver(nil, quietLogger())

	p := Profile{DisplayName: "Alice", AvatarURL: "mxc://a"}
	r.Observe(roomA, alice, p)

	got := r.Resolve(roomA, alice)
	require.NotNil(t, got)
	assert.Equal(t, p, *got)
	assert.False(t, r.HasOverride(roomA, alice), "no override when global matches")

	// Visible from any room via the global tier.
	assert.NotNil(t, r.Resolve(roomB, alice))
}

func TestObserve_DifferingProfileCreatesOverride(t *testing.T) {
	r := NewProfileResolver(nil, quietLogger())

	r.Observe(roomA, alice, Profile{DisplayName: "Alice"})
	r.Observe(roomB, alice, Profile{DisplayName: "Alice (work)"})

	assert.True(t, r.HasOverride(roomB, alice))
	assert.Equal(t, "Alice (work)", r.Resolve(roomB, alice).DisplayName)
	assert.Equal(t, "Alice", r.Resolve(roomA, alice).DisplayName)
}

func TestObserve_EqualObservationPrunesStaleOverride(t *testing.T) {
	r := NewProfileResolver(nil, quietLogger())

	r.Observe(roomA, alice, Profile{DisplayName: "Alice"})
	r.Observe(roomB, alice, Profile{DisplayName: "Nick"})
	require.True(t, r.HasOverride(roomB, alice))

	// The room profile converged back to the global value.
	r.Observe(roomB, alice, Profile{DisplayName: "Alice"})

	assert.False(t, r.HasOverride(roomB, alice))
}

func TestObserve_NFCEquality(t *testing.T) {
	r := NewProfileResolver(nil, quietLogger())

	// Same name, different Unicode composition: precomposed é versus
	// e plus combining acute.
	r.Observe(roomA, alice, Profile{DisplayName: "André"})
	r.Observe(roomB, alice, Profile{DisplayName: "André"})

	assert.False(t, r.HasOverride(roomB, alice),
		"normalization-equal names must not create an override")
}

func TestUpdateGlobal_SweepsEqualOverrides(t *testing.T) {
	r := NewProfileResolver(nil, quietLogger())

	r.Observe(roomA, alice, Profile{DisplayName: "Old"})
	r.Observe(roomB, alice, Profile{DisplayName: "New"})
	require.True(t, r.HasOverride(roomB, alice))

	r.UpdateGlobal(alice, Profile{DisplayName: "New"})

	assert.False(t, r.HasOverride(roomB, alice), "override equal to new global is pruned")
	assert.Equal(t, "New", r.Resolve(roomA, alice).DisplayName)
}

func TestUpdateGlobal_ThenEqualObserveCreatesNoOverride(t *testing.T) {
	r := NewProfileResolver(nil, quietLogger())

	p := Profile{DisplayName: "Alice"}
	r.UpdateGlobal(alice, p)
	r.Observe(roomA, alice, p)

	assert.False(t, r.HasOverride(roomA, alice))
}

func TestResolve_MissReturnsNil(t *testing.T) {
	r := NewProfileResolver(nil, quietLogger())

	assert.Nil(t, r.Resolve(roomA, alice))
}

func TestFetchProfile_CacheHitSkipsFetcher(t *testing.T) {
	r := NewProfileResolver(nil, quietLogger())
	r.UpdateGlobal(alice, Profile{DisplayName: "Alice"})

	r.SetFetcher(func(context.Context, id.UserID) (Profile, error) {
		t.Fatal("fetcher called despite cache hit")
		return Profile{}, nil
	})

	p, err := r.FetchProfile(context.Background(), roomA, alice)
	require.NoError(t, err)
	assert.Equal(t, "Alice", p.DisplayName)
}

func TestFetchProfile_ConcurrentFetchesCollapse(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		r := NewProfileResolver(nil, quietLogger())

		var (
			mu      sync.Mutex
			calls   int
			release = make(chan struct{})
		)

		r.SetFetcher(func(context.Context, id.UserID) (Profile, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			<-release

			return Profile{DisplayName: "Alice"}, nil
		})

		var wg sync.WaitGroup

		results := make([]Profile, 5)

		for i := range results {
			wg.Add(1)

			go func() {
				defer wg.Done()

				p, err := r.FetchProfile(context.Background(), roomA, alice)
				assert.NoError(t, err)
				results[i] = p
			}()
		}

		// Wait until every goroutine is durably blocked on the single
		// in-flight fetch, then let it finish.
		synctest.Wait()
		close(release)
		wg.Wait()

		mu.Lock()
		assert.Equal(t, 1, calls, "concurrent fetches collapse into one request")
		mu.Unlock()

		for _, p := range results {
			assert.Equal(t, "Alice", p.DisplayName)
		}
	})
}

func TestFetchProfile_FailureClearsInFlight(t *testing.T) {
	r := NewProfileResolver(nil, quietLogger())

	attempt := 0

	r.SetFetcher(func(context.Context, id.UserID) (Profile, error) {
		attempt++
		if attempt == 1 {
			return Profile{}, fmt.Errorf("server unavailable")
		}

		return Profile{DisplayName: "Alice"}, nil
	})

	_, err := r.FetchProfile(context.Background(), roomA, alice)
	require.Error(t, err)

	// A failed fetch must not wedge the in-flight marker.
	p, err := r.FetchProfile(context.Background(), roomA, alice)
	require.NoError(t, err)
	assert.Equal(t, "Alice", p.DisplayName)
}

func TestFetchProfile_SuccessUpdatesGlobal(t *testing.T) {
	r := NewProfileResolver(nil, quietLogger())

	r.SetFetcher(func(context.Context, id.UserID) (Profile, error) {
		return Profile{DisplayName: "Alice"}, nil
	})

	_, err := r.FetchProfile(context.Background(), roomA, alice)
	require.NoError(t, err)

	assert.NotNil(t, r.Resolve(roomB, alice), "fetched profile lands in the global tier")
}

func TestWipeOverrides_GlobalSurvives(t *testing.T) {
	r := NewProfileResolver(nil, quietLogger())

	r.Observe(roomA, alice, Profile{DisplayName: "Alice"})
	r.Observe(roomB, alice, Profile{DisplayName: "Nick"})

	r.WipeOverrides()

	assert.False(t, r.HasOverride(roomB, alice))
	assert.Equal(t, "Alice", r.Resolve(roomB, alice).DisplayName)
}

func TestProfilePersistence(t *testing.T) {
	store := &memProfileStore{}

	r := NewProfileResolver(store, quietLogger())
	r.UpdateGlobal(alice, Profile{DisplayName: "Alice"})

	// A fresh resolver over the same store sees the global tier.
	r2 := NewProfileResolver(store, quietLogger())
	got := r2.Resolve(roomA, alice)
	require.NotNil(t, got)
	assert.Equal(t, "Alice", got.DisplayName)
}
