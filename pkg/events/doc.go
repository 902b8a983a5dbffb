/*
Package events provides an in-process publish/subscribe broker used as
the change-feed backbone for the fhirstore persistence core.

internal/kvstore publishes an Event for every committed write to the
items table: EventResourceUpdated when a value is stored (inserts
included) and EventResourceDeleted when a key is removed. Export-table
writes publish nothing, and no package publishes the bundle or export
event types. propagator subscribes to the broker and drains events into
the search index. The broker is the in-process stand-in for a
DynamoDB Streams-style feed: swapping Publish's call site for a real
stream poller requires no change to subscribers.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(&events.Event{
		Type:         events.EventResourceCreated,
		ResourceType: "Patient",
		StorageID:    storageID,
		Vid:          1,
	})

	for event := range sub {
		// propagate event to the search index
	}

Subscriber channels are buffered; a slow subscriber drops events rather
than blocking the broadcast loop.
*/
package events
