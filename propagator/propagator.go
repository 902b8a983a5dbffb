// Package propagator implements the Change Propagator: a subscriber
// to the primary table's change feed (internal/kvstore's events.Broker
// publications) that mirrors steady-state resources into the search
// index, managing per-resource-type aliases for zero-downtime
// reindexing.
package propagator

import (
	"context"
	"strconv"
	"time"

	"github.com/fhirstore/core/internal/codec"
	"github.com/fhirstore/core/internal/searchindex"
	"github.com/fhirstore/core/pkg/config"
	"github.com/fhirstore/core/pkg/events"
	"github.com/fhirstore/core/pkg/log"
	"github.com/fhirstore/core/pkg/metrics"
)

// binaryResourceType is the one resource type the propagator never
// indexes: raw binary payloads carry no searchable fields.
const binaryResourceType = "Binary"

// SearchIndex is the subset of internal/searchindex's Index the
// propagator depends on, kept as an interface so tests can substitute
// an in-memory fake.
type SearchIndex interface {
	EnsureAlias(ctx context.Context, resourceType string, multiTenant bool) error
	Bulk(ctx context.Context, ops []searchindex.Op) ([]string, error)
}

// Propagator batches and applies change-feed records to the search
// index.
type Propagator struct {
	sub   events.Subscriber
	index SearchIndex
	cfg   config.Config

	batchWindow time.Duration
	batchSize   int
}

// New constructs a Propagator subscribed to broker's change feed.
func New(broker *events.Broker, index SearchIndex, cfg config.Config) *Propagator {
	return &Propagator{
		sub:         broker.Subscribe(),
		index:       index,
		cfg:         cfg,
		batchWindow: 500 * time.Millisecond,
		batchSize:   50,
	}
}

// Run drains the change feed until ctx is canceled, batching records
// by time window or size and applying each batch. Callers typically
// run this in its own goroutine.
func (p *Propagator) Run(ctx context.Context) {
	ticker := time.NewTicker(p.batchWindow)
	defer ticker.Stop()

	var batch []*events.Event
	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.applyBatch(ctx, batch)
		batch = nil
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case evt := <-p.sub:
			if evt == nil {
				continue
			}
			batch = append(batch, evt)
			if len(batch) >= p.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// applyBatch executes one invocation's worth of records. Any error is
// logged with the offending ids. applyBatch returns nothing, so a
// failed batch is neither re-raised nor redelivered.
func (p *Propagator) applyBatch(ctx context.Context, batch []*events.Event) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PropagatorBatchDuration)

	ensured := map[string]bool{}
	var ops []searchindex.Op
	var failedIDs []string

	for _, evt := range batch {
		if evt.ResourceType == binaryResourceType {
			continue
		}
		id := codec.SplitStorageID(evt.StorageID, evt.TenantID)

		if !ensured[evt.ResourceType] {
			if err := p.index.EnsureAlias(ctx, evt.ResourceType, p.cfg.EnableMultiTenancy); err != nil {
				log.WithResourceType(evt.ResourceType).Error().Str("id", id).Err(err).Msg("propagator: failed to ensure alias")
				failedIDs = append(failedIDs, id)
				continue
			}
			ensured[evt.ResourceType] = true
		}

		op, skip := p.buildOp(evt, id)
		if skip {
			continue
		}
		ops = append(ops, op)
	}

	if len(ops) == 0 {
		return
	}

	failed, err := p.index.Bulk(ctx, ops)
	failedIDs = append(failedIDs, failed...)

	for _, op := range ops {
		outcome := "upsert"
		if op.Doc == nil {
			outcome = "delete"
		}
		metrics.PropagatorRecordsTotal.WithLabelValues(outcome).Inc()
	}

	if err != nil {
		log.Logger.Error().Strs("failed_ids", failedIDs).Err(err).Msg("propagator: bulk apply failed, batch is not retried")
	}
}

func (p *Propagator) buildOp(evt *events.Event, id string) (searchindex.Op, bool) {
	if evt.Type == events.EventResourceDeleted {
		return searchindex.Op{ResourceType: evt.ResourceType, ID: id}, false
	}

	documentStatus := ""
	if evt.Metadata != nil {
		documentStatus = evt.Metadata["documentStatus"]
	}

	switch documentStatus {
	case "AVAILABLE":
		doc := map[string]interface{}{
			"id":             id,
			"resourceType":   evt.ResourceType,
			"documentStatus": documentStatus,
			"vid":            strconv.FormatInt(evt.Vid, 10),
			"_references":    evt.References,
		}
		if p.cfg.EnableMultiTenancy {
			doc["tenantId"] = evt.TenantID
		}
		return searchindex.Op{ResourceType: evt.ResourceType, ID: id, Doc: doc}, false
	case "DELETED":
		return searchindex.Op{ResourceType: evt.ResourceType, ID: id}, false
	default:
		// PENDING, LOCKED, PENDING_DELETE: index only steady-state items.
		return searchindex.Op{}, true
	}
}
