package admission

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphforge/opsplane/shared/logger"
)

func newTestController(globalMax, perDBMax int) (*Controller, *Tracker) {
	tracker := NewTracker()
	ctrl := NewController(&Config{
		GlobalMaxOperations: globalMax,
		PerDatabaseMax:      perDBMax,
		RetryAfter:          5 * time.Second,
	}, tracker, logger.NewDefault().Logger)
	return ctrl, tracker
}

func TestAcquireRespectsPerDatabaseCap(t *testing.T) {
	ctrl, tracker := newTestController(50, 2)

	// cap=2 on database "kg1"; three admission+register sequences
	lease1, res1 := ctrl.Acquire("kg1", ClassInteractive)
	require.True(t, res1.Accepted())
	require.NotNil(t, lease1)

	lease2, res2 := ctrl.Acquire("kg1", ClassInteractive)
	require.True(t, res2.Accepted())
	require.NotNil(t, lease2)

	lease3, res3 := ctrl.Acquire("kg1", ClassInteractive)
	assert.Nil(t, lease3)
	assert.Equal(t, DecisionRejectDBBusy, res3.Decision)
	assert.Equal(t, 5*time.Second, res3.RetryAfter)
	assert.Contains(t, res3.Reason, "kg1")

	// Another database is unaffected
	lease4, res4 := ctrl.Acquire("kg2", ClassInteractive)
	require.True(t, res4.Accepted())

	assert.Equal(t, 2, tracker.Active("kg1"))
	assert.Equal(t, 1, tracker.Active("kg2"))
	assert.Equal(t, 3, tracker.TotalActive())

	lease1.Release()
	lease2.Release()
	lease4.Release()
	assert.Equal(t, 0, tracker.TotalActive())
}

func TestAcquireConcurrentNeverExceedsCap(t *testing.T) {
	const capacity = 3
	const attempts = 20

	ctrl, tracker := newTestController(100, capacity)

	var mu sync.Mutex
	var accepted, rejected int
	var leases []*Lease

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, res := ctrl.Acquire("shared-db", ClassBatch)
			mu.Lock()
			defer mu.Unlock()
			if res.Accepted() {
				accepted++
				leases = append(leases, lease)
			} else {
				rejected++
				assert.Equal(t, DecisionRejectDBBusy, res.Decision)
			}
		}()
	}
	wg.Wait()

	// Exactly cap ACCEPTs, the rest REJECT_DB_BUSY
	assert.Equal(t, capacity, accepted)
	assert.Equal(t, attempts-capacity, rejected)
	assert.Equal(t, capacity, tracker.Active("shared-db"))

	for _, l := range leases {
		l.Release()
	}
	assert.Equal(t, 0, tracker.Active("shared-db"))
}

func TestAcquireRespectsGlobalCeiling(t *testing.T) {
	ctrl, _ := newTestController(2, 10)

	lease1, res1 := ctrl.Acquire("db-a", ClassInteractive)
	require.True(t, res1.Accepted())
	lease2, res2 := ctrl.Acquire("db-b", ClassInteractive)
	require.True(t, res2.Accepted())

	_, res3 := ctrl.Acquire("db-c", ClassInteractive)
	assert.Equal(t, DecisionRejectQueueFull, res3.Decision)
	assert.Contains(t, res3.Reason, "ceiling")

	lease1.Release()

	lease4, res4 := ctrl.Acquire("db-c", ClassInteractive)
	require.True(t, res4.Accepted())

	lease2.Release()
	lease4.Release()
}

func TestDrainingRejectsEverything(t *testing.T) {
	ctrl, _ := newTestController(10, 10)

	ctrl.SetDraining(true)
	lease, res := ctrl.Acquire("kg1", ClassInteractive)
	assert.Nil(t, lease)
	assert.Equal(t, DecisionRejectDraining, res.Decision)

	res = ctrl.Check("kg1", ClassInteractive)
	assert.Equal(t, DecisionRejectDraining, res.Decision)

	ctrl.SetDraining(false)
	lease, res = ctrl.Acquire("kg1", ClassInteractive)
	require.True(t, res.Accepted())
	lease.Release()
}

func TestCheckDoesNotRegister(t *testing.T) {
	ctrl, tracker := newTestController(10, 10)

	res := ctrl.Check("kg1", ClassInteractive)
	assert.True(t, res.Accepted())
	assert.Equal(t, 0, tracker.Active("kg1"))
	assert.Equal(t, 0, tracker.TotalActive())
}

func TestLeaseReleaseIsIdempotent(t *testing.T) {
	ctrl, tracker := newTestController(10, 10)

	lease, res := ctrl.Acquire("kg1", ClassInteractive)
	require.True(t, res.Accepted())
	assert.Equal(t, 1, tracker.Active("kg1"))

	lease.Release()
	lease.Release()
	lease.Release()

	assert.Equal(t, 0, tracker.Active("kg1"))
	assert.Equal(t, 0, tracker.TotalActive())
}

func TestLeaseReleasedWhenGatedBlockPanics(t *testing.T) {
	ctrl, tracker := newTestController(10, 10)

	before := tracker.Active("kg1")

	func() {
		defer func() {
			_ = recover()
		}()

		lease, res := ctrl.Acquire("kg1", ClassInteractive)
		require.True(t, res.Accepted())
		defer lease.Release()

		panic("gated block blew up")
	}()

	// Counter returns to its pre-test value even though the block panicked
	assert.Equal(t, before, tracker.Active("kg1"))
	assert.Equal(t, 0, tracker.TotalActive())
}
