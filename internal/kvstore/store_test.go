package kvstore

import (
	"testing"

	"github.com/fhirstore/core/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestConditionalPutInsertOnly(t *testing.T) {
	store := openTestStore(t)

	err := store.ConditionalPut(WriteOp{
		StorageID: "patient-1",
		Vid:       1,
		Value:     []byte(`{"resourceType":"Patient"}`),
		Condition: AttributeNotExists(),
	})
	require.NoError(t, err)

	err = store.ConditionalPut(WriteOp{
		StorageID: "patient-1",
		Vid:       1,
		Value:     []byte(`{"resourceType":"Patient"}`),
		Condition: AttributeNotExists(),
	})
	var condErr *ConditionFailedError
	assert.ErrorAs(t, err, &condErr)
}

func TestQueryOrdersDescendingByVid(t *testing.T) {
	store := openTestStore(t)

	for vid := int64(1); vid <= 3; vid++ {
		require.NoError(t, store.ConditionalPut(WriteOp{
			StorageID: "patient-1",
			Vid:       vid,
			Value:     []byte(`{}`),
			Condition: Always(),
		}))
	}

	rows, err := store.Query("patient-1", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(3), rows[0].Vid)
	assert.Equal(t, int64(2), rows[1].Vid)
}

func TestTransactWriteSplitsIntoSubBatches(t *testing.T) {
	store, err := Open(t.TempDir(), nil, WithMaxTransactItems(2))
	require.NoError(t, err)
	defer store.Close()

	ops := []WriteOp{
		{StorageID: "a", Vid: 1, Value: []byte(`{}`), Condition: Always()},
		{StorageID: "b", Vid: 1, Value: []byte(`{}`), Condition: Always()},
		{StorageID: "c", Vid: 1, Value: []byte(`{}`), Condition: Always()},
	}
	require.NoError(t, store.TransactWrite(ops))

	for _, id := range []string{"a", "b", "c"} {
		_, found, err := store.Get(id, 1)
		require.NoError(t, err)
		assert.True(t, found)
	}
}

func TestTransactWriteAbortsBatchOnConditionFailure(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.ConditionalPut(WriteOp{
		StorageID: "x", Vid: 1, Value: []byte(`{}`), Condition: Always(),
	}))

	ops := []WriteOp{
		{StorageID: "y", Vid: 1, Value: []byte(`{}`), Condition: Always()},
		{StorageID: "x", Vid: 1, Value: []byte(`{}`), Condition: AttributeNotExists()},
	}
	err := store.TransactWrite(ops)
	require.Error(t, err)

	_, found, _ := store.Get("y", 1)
	assert.False(t, found, "y must not be visible after batch aborts")
}

func TestChangeFeedPublishesOnCommit(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	store, err := Open(t.TempDir(), broker)
	require.NoError(t, err)
	defer store.Close()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	require.NoError(t, store.ConditionalPut(WriteOp{
		StorageID: "patient-1",
		Vid:       1,
		Value:     []byte(`{"resourceType":"Patient","documentStatus":"AVAILABLE"}`),
		Condition: AttributeNotExists(),
	}))

	evt := <-sub
	assert.Equal(t, events.EventResourceUpdated, evt.Type)
	assert.Equal(t, "Patient", evt.ResourceType)
}

func TestExportJobStatusIndexMovesOnUpdate(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.PutExportJob("job-1", []byte(`{"jobStatus":"in-progress"}`), "in-progress", "", AttributeNotExists()))

	rows, err := store.QueryExportJobsByStatus("in-progress")
	require.NoError(t, err)
	require.Len(t, rows, 1)

	require.NoError(t, store.PutExportJob("job-1", []byte(`{"jobStatus":"canceling"}`), "canceling", "in-progress", nil))

	rows, err = store.QueryExportJobsByStatus("in-progress")
	require.NoError(t, err)
	assert.Empty(t, rows)

	rows, err = store.QueryExportJobsByStatus("canceling")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
