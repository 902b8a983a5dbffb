package parambuilder

import (
	"testing"

	"github.com/fhirstore/core/internal/codec"
	"github.com/fhirstore/core/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertNewConditionRejectsExisting(t *testing.T) {
	item := codec.EncodeForInsert(model.Resource{"resourceType": "Patient"}, "abc", 1, model.StatusAvailable, "", 1000)
	op, err := InsertNew(item)
	require.NoError(t, err)

	assert.True(t, op.Condition(nil, false))
	assert.False(t, op.Condition([]byte(`{}`), true))
}

func TestStatusTransitionAllowsMatchingOldStatus(t *testing.T) {
	existing := codec.EncodeForInsert(model.Resource{"resourceType": "Patient"}, "abc", 1, model.StatusPending, "", 1000)
	existing.LockEndTs = 1000
	existingBytes, err := codec.MarshalItem(existing)
	require.NoError(t, err)

	newItem := existing
	newItem.DocumentStatus = model.StatusAvailable
	op, err := StatusTransition(newItem, "Patient", model.StatusPending, 1001, 35000)
	require.NoError(t, err)

	assert.True(t, op.Condition(existingBytes, true))
}

func TestStatusTransitionRejectsResourceTypeMismatch(t *testing.T) {
	existing := codec.EncodeForInsert(model.Resource{"resourceType": "Observation"}, "abc", 1, model.StatusPending, "", 1000)
	existingBytes, err := codec.MarshalItem(existing)
	require.NoError(t, err)

	op, err := StatusTransition(existing, "Patient", model.StatusPending, 1001, 35000)
	require.NoError(t, err)

	assert.False(t, op.Condition(existingBytes, true))
}

func TestStatusTransitionReclaimsExpiredLock(t *testing.T) {
	existing := codec.EncodeForInsert(model.Resource{"resourceType": "Patient"}, "abc", 1, model.StatusLocked, "", 1000)
	existing.LockEndTs = 1000
	existingBytes, err := codec.MarshalItem(existing)
	require.NoError(t, err)

	// caller expects old status AVAILABLE (normal case), but lock has
	// long since expired and the item sits in a reclaimable state
	op, err := StatusTransition(existing, "Patient", model.StatusAvailable, 1000+35000+1, 35000)
	require.NoError(t, err)

	assert.True(t, op.Condition(existingBytes, true))
}

func TestStatusTransitionRejectsUnexpiredLockWithMismatchedOldStatus(t *testing.T) {
	existing := codec.EncodeForInsert(model.Resource{"resourceType": "Patient"}, "abc", 1, model.StatusLocked, "", 1000)
	existing.LockEndTs = 1000
	existingBytes, err := codec.MarshalItem(existing)
	require.NoError(t, err)

	op, err := StatusTransition(existing, "Patient", model.StatusAvailable, 1000+100, 35000)
	require.NoError(t, err)

	assert.False(t, op.Condition(existingBytes, true))
}

func TestDeleteUnconditionalAlwaysSucceeds(t *testing.T) {
	op := DeleteUnconditional("abc", 1)
	assert.True(t, op.Condition([]byte(`{}`), true))
	assert.True(t, op.Condition(nil, false))
	assert.Nil(t, op.Value)
}
