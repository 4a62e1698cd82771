package scaler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowdclass/elastictier/pkg/types"
)

type fakeFleet struct {
	mu        sync.Mutex
	instances []types.Instance

	describeErr error
	startErr    error
	launchErr   error
	termErr     error
	tagErr      error
	tagFailures int
	waitErr     error
	waitBlock   chan struct{}

	started      []string
	terminated   []string
	launchCounts []int
	launchedIDs  []string
	launchNames  []string
	tags         map[string]string
}

func (f *fakeFleet) DescribeManaged(ctx context.Context) ([]types.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	return append([]types.Instance(nil), f.instances...), nil
}

func (f *fakeFleet) Start(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, ids...)
	return nil
}

func (f *fakeFleet) Terminate(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.termErr != nil {
		return f.termErr
	}
	f.terminated = append(f.terminated, ids...)
	return nil
}

func (f *fakeFleet) Launch(ctx context.Context, names []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	f.launchCounts = append(f.launchCounts, len(names))
	ids := make([]string, 0, len(names))
	for _, name := range names {
		id := "i-new-" + string(rune('a'+len(f.launchedIDs)))
		f.launchedIDs = append(f.launchedIDs, id)
		f.launchNames = append(f.launchNames, name)
		// Launch-time tags are visible to the next describe while the
		// instance is still booting.
		f.instances = append(f.instances, types.Instance{ID: id, Name: name, State: types.InstanceStatePending})
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeFleet) Tag(ctx context.Context, id, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tagFailures > 0 {
		f.tagFailures--
		return errors.New("tag failed")
	}
	if f.tagErr != nil {
		return f.tagErr
	}
	if f.tags == nil {
		f.tags = make(map[string]string)
	}
	f.tags[id] = name
	return nil
}

func (f *fakeFleet) WaitUntilRunning(ctx context.Context, id string) error {
	if f.waitBlock != nil {
		select {
		case <-f.waitBlock:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.waitErr
}

func (f *fakeFleet) launchedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.launchNames...)
}

func (f *fakeFleet) snapshot() (started, terminated []string, launchCounts []int, tags map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tags = make(map[string]string, len(f.tags))
	for k, v := range f.tags {
		tags[k] = v
	}
	return append([]string(nil), f.started...),
		append([]string(nil), f.terminated...),
		append([]int(nil), f.launchCounts...),
		tags
}

func newTestScaler(fleet *fakeFleet) *Scaler {
	namer := NewNamer(fleet, "app-tier-instance")
	namer.backoff = time.Millisecond
	return NewScaler(fleet, namer, DefaultPolicy())
}

func managed(id string, ordinal int, state types.InstanceState) types.Instance {
	return types.Instance{ID: id, Name: types.PoolName("app-tier-instance", ordinal), State: state}
}

func TestPolicyTarget(t *testing.T) {
	policy := DefaultPolicy()

	t.Run("tracks backlog below watermark", func(t *testing.T) {
		for depth := 0; depth <= 10; depth++ {
			assert.Equal(t, depth, policy.Target(depth), "depth %d", depth)
		}
	})

	t.Run("dampens above watermark", func(t *testing.T) {
		tests := []struct {
			depth  int
			target int
		}{
			{11, 11},
			{12, 11},
			{14, 11},
			{15, 12},
			{23, 14},
			{50, 20},
			{1000, 20},
		}
		for _, tt := range tests {
			assert.Equal(t, tt.target, policy.Target(tt.depth), "depth %d", tt.depth)
		}
	})

	t.Run("negative depth clamps to zero", func(t *testing.T) {
		assert.Equal(t, 0, policy.Target(-3))
	})
}

func TestReconcile_NoActionAtTarget(t *testing.T) {
	fleet := &fakeFleet{instances: []types.Instance{
		managed("i-1", 1, types.InstanceStateRunning),
		managed("i-2", 2, types.InstanceStatePending),
	}}

	newTestScaler(fleet).Reconcile(context.Background(), 2)

	started, terminated, launches, _ := fleet.snapshot()
	assert.Empty(t, started)
	assert.Empty(t, terminated)
	assert.Empty(t, launches)
}

func TestReconcile_ZeroDepthNoInstances(t *testing.T) {
	fleet := &fakeFleet{}

	newTestScaler(fleet).Reconcile(context.Background(), 0)

	started, terminated, launches, _ := fleet.snapshot()
	assert.Empty(t, started)
	assert.Empty(t, terminated)
	assert.Empty(t, launches)
}

func TestReconcile_PrefersRestartOverLaunch(t *testing.T) {
	fleet := &fakeFleet{instances: []types.Instance{
		managed("i-1", 1, types.InstanceStateRunning),
		managed("i-2", 2, types.InstanceStateStopped),
		managed("i-3", 3, types.InstanceStateStopped),
	}}

	// target 3: one running, two stopped available, no launch needed.
	newTestScaler(fleet).Reconcile(context.Background(), 3)

	started, terminated, launches, _ := fleet.snapshot()
	assert.ElementsMatch(t, []string{"i-2", "i-3"}, started)
	assert.Empty(t, terminated)
	assert.Empty(t, launches, "no launch while stopped instances cover the shortfall")
}

func TestReconcile_LaunchesExactShortfall(t *testing.T) {
	fleet := &fakeFleet{instances: []types.Instance{
		managed("i-1", 1, types.InstanceStateRunning),
		managed("i-2", 2, types.InstanceStateStopped),
	}}

	// target 4: restart the one stopped, launch exactly 2.
	newTestScaler(fleet).Reconcile(context.Background(), 4)

	started, _, launches, _ := fleet.snapshot()
	assert.Equal(t, []string{"i-2"}, started)
	require.Equal(t, []int{2}, launches)
	assert.Equal(t,
		[]string{"app-tier-instance-3", "app-tier-instance-4"},
		fleet.launchedNames(), "launch names use ordinals above the highest-seen managed ordinal")

	// The namer re-applies each name once the instance reports running.
	require.Eventually(t, func() bool {
		_, _, _, tags := fleet.snapshot()
		return len(tags) == 2
	}, 2*time.Second, 10*time.Millisecond)

	_, _, _, tags := fleet.snapshot()
	assert.ElementsMatch(t,
		[]string{"app-tier-instance-3", "app-tier-instance-4"},
		[]string{tags[fleet.launchedIDs[0]], tags[fleet.launchedIDs[1]]})
}

func TestReconcile_TerminatesExcess(t *testing.T) {
	fleet := &fakeFleet{instances: []types.Instance{
		managed("i-1", 1, types.InstanceStateRunning),
		managed("i-2", 2, types.InstanceStateRunning),
		managed("i-3", 3, types.InstanceStateRunning),
	}}

	newTestScaler(fleet).Reconcile(context.Background(), 1)

	started, terminated, launches, _ := fleet.snapshot()
	assert.Empty(t, started)
	assert.Empty(t, launches)
	assert.Len(t, terminated, 2)
	assert.NotContains(t, terminated, "i-1", "instances within the target survive")
}

func TestReconcile_NeverStartsAndTerminatesSameInstance(t *testing.T) {
	for depth := 0; depth <= 6; depth++ {
		fleet := &fakeFleet{instances: []types.Instance{
			managed("i-1", 1, types.InstanceStateRunning),
			managed("i-2", 2, types.InstanceStateRunning),
			managed("i-3", 3, types.InstanceStateStopped),
		}}
		newTestScaler(fleet).Reconcile(context.Background(), depth)

		started, terminated, _, _ := fleet.snapshot()
		for _, id := range started {
			assert.NotContains(t, terminated, id, "depth %d", depth)
		}
	}
}

func TestReconcile_IgnoresUnmanagedInstances(t *testing.T) {
	fleet := &fakeFleet{instances: []types.Instance{
		managed("i-1", 1, types.InstanceStateRunning),
		{ID: "i-x", Name: "", State: types.InstanceStateRunning},
	}}

	// Unnamed instance does not count toward capacity: target 2 means one
	// more is launched even though two are technically running.
	newTestScaler(fleet).Reconcile(context.Background(), 2)

	_, terminated, launches, _ := fleet.snapshot()
	assert.Equal(t, []int{1}, launches)
	assert.Empty(t, terminated)
}

func TestReconcile_BootingInstancesCountTowardTarget(t *testing.T) {
	// Instances boot for minutes; the namer goroutines block on
	// WaitUntilRunning across ticks. Launch-time names must make the
	// booting instances visible as capacity, or every tick re-launches
	// the same shortfall and hands out duplicate names.
	fleet := &fakeFleet{waitBlock: make(chan struct{})}
	defer close(fleet.waitBlock)
	s := newTestScaler(fleet)

	s.Reconcile(context.Background(), 2)
	s.Reconcile(context.Background(), 2)

	_, terminated, launches, _ := fleet.snapshot()
	assert.Equal(t, []int{2}, launches, "the second tick sees the pending launches as active")
	assert.Empty(t, terminated)
	assert.Equal(t,
		[]string{"app-tier-instance-1", "app-tier-instance-2"},
		fleet.launchedNames(), "each launch carries a distinct name")
}

func TestReconcile_DescribeFailureSkipsTick(t *testing.T) {
	fleet := &fakeFleet{describeErr: errors.New("api down")}

	newTestScaler(fleet).Reconcile(context.Background(), 5)

	started, terminated, launches, _ := fleet.snapshot()
	assert.Empty(t, started)
	assert.Empty(t, terminated)
	assert.Empty(t, launches)
}

func TestReconcile_StartFailureStillLaunches(t *testing.T) {
	fleet := &fakeFleet{
		startErr: errors.New("start throttled"),
		instances: []types.Instance{
			managed("i-1", 1, types.InstanceStateStopped),
		},
	}

	newTestScaler(fleet).Reconcile(context.Background(), 2)

	_, _, launches, _ := fleet.snapshot()
	// The restart shortfall is not re-planned within the tick; only the
	// launch portion proceeds.
	assert.Equal(t, []int{1}, launches)
}
