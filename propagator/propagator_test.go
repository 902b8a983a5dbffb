package propagator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fhirstore/core/internal/searchindex"
	"github.com/fhirstore/core/pkg/config"
	"github.com/fhirstore/core/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSearchIndex struct {
	mu      sync.Mutex
	aliases map[string]bool
	applied []searchindex.Op
}

func newFakeSearchIndex() *fakeSearchIndex {
	return &fakeSearchIndex{aliases: map[string]bool{}}
}

func (f *fakeSearchIndex) EnsureAlias(ctx context.Context, resourceType string, multiTenant bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aliases[resourceType] = true
	return nil
}

func (f *fakeSearchIndex) Bulk(ctx context.Context, ops []searchindex.Op) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, ops...)
	return nil, nil
}

func (f *fakeSearchIndex) snapshot() []searchindex.Op {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]searchindex.Op(nil), f.applied...)
}

func TestPropagatorUpsertsAvailableRecords(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	index := newFakeSearchIndex()
	p := New(broker, index, config.Config{})
	p.batchWindow = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()

	broker.Publish(&events.Event{
		Type: events.EventResourceUpdated, ResourceType: "Patient", StorageID: "p1", Vid: 1,
		Metadata: map[string]string{"documentStatus": "AVAILABLE"},
	})

	require.Eventually(t, func() bool { return len(index.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	ops := index.snapshot()
	assert.Equal(t, "p1", ops[0].ID)
	assert.NotNil(t, ops[0].Doc)

	cancel()
	<-done
}

func TestPropagatorSkipsTransientStatuses(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	index := newFakeSearchIndex()
	p := New(broker, index, config.Config{})
	p.batchWindow = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()

	broker.Publish(&events.Event{
		Type: events.EventResourceUpdated, ResourceType: "Patient", StorageID: "p1", Vid: 1,
		Metadata: map[string]string{"documentStatus": "PENDING"},
	})

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, index.snapshot())

	cancel()
	<-done
}

func TestPropagatorSkipsBinaryResourceType(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	index := newFakeSearchIndex()
	p := New(broker, index, config.Config{})
	p.batchWindow = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()

	broker.Publish(&events.Event{
		Type: events.EventResourceUpdated, ResourceType: "Binary", StorageID: "b1", Vid: 1,
		Metadata: map[string]string{"documentStatus": "AVAILABLE"},
	})

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, index.snapshot())

	cancel()
	<-done
}

func TestPropagatorDeleteIssuesDeleteOp(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	index := newFakeSearchIndex()
	p := New(broker, index, config.Config{})
	p.batchWindow = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { p.Run(ctx); close(done) }()

	broker.Publish(&events.Event{
		Type: events.EventResourceDeleted, ResourceType: "Patient", StorageID: "p1", Vid: 2,
	})

	require.Eventually(t, func() bool { return len(index.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	ops := index.snapshot()
	assert.Nil(t, ops[0].Doc)

	cancel()
	<-done
}
