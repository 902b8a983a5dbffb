// Package searchindex wraps olivere/elastic.v5 behind the persistence
// core's search-index interface: alias-based index lifecycle plus
// batched upsert/delete, satisfying the Change Propagator's mirroring
// contract.
package searchindex

import (
	"context"
	"fmt"
	"strings"

	elastic "gopkg.in/olivere/elastic.v5"

	"github.com/fhirstore/core/pkg/metrics"
)

// Index wraps an elastic client.
type Index struct {
	client *elastic.Client
}

// New dials an elastic client against the given URL.
func New(url string) (*Index, error) {
	client, err := elastic.NewClient(elastic.SetURL(url), elastic.SetSniff(false))
	if err != nil {
		metrics.RegisterComponent("searchindex", false, err.Error())
		return nil, fmt.Errorf("create elastic client: %w", err)
	}
	metrics.RegisterComponent("searchindex", true, "")
	return &Index{client: client}, nil
}

// AliasName derives the stable alias name for a resource type:
// <lowercased-type>-alias.
func AliasName(resourceType string) string {
	return strings.ToLower(resourceType) + "-alias"
}

// keywordMapping is the mapping applied to a freshly created physical
// index: indexed keyword fields plus, when multiTenant is set, tenantId.
func keywordMapping(multiTenant bool) map[string]interface{} {
	properties := map[string]interface{}{
		"id":             map[string]interface{}{"type": "keyword"},
		"resourceType":   map[string]interface{}{"type": "keyword"},
		"documentStatus": map[string]interface{}{"type": "keyword"},
		"_references":    map[string]interface{}{"type": "keyword"},
	}
	if multiTenant {
		properties["tenantId"] = map[string]interface{}{"type": "keyword"}
	}
	return map[string]interface{}{
		"mappings": map[string]interface{}{
			"_doc": map[string]interface{}{
				"properties": properties,
			},
		},
	}
}

// EnsureAlias guarantees the alias for resourceType is attached to a
// physical index, creating the index with its mapping if it doesn't
// exist yet (supports zero-downtime reindexing: if the physical index
// already exists but the alias is missing, the alias is simply
// attached to it).
func (idx *Index) EnsureAlias(ctx context.Context, resourceType string, multiTenant bool) error {
	alias := AliasName(resourceType)
	physicalIndex := strings.ToLower(resourceType)

	aliasExists, err := idx.client.AliasExists(alias).Do(ctx)
	if err != nil {
		return fmt.Errorf("check alias %s: %w", alias, err)
	}
	if aliasExists {
		return nil
	}

	indexExists, err := idx.client.IndexExists(physicalIndex).Do(ctx)
	if err != nil {
		return fmt.Errorf("check index %s: %w", physicalIndex, err)
	}
	if !indexExists {
		_, err := idx.client.CreateIndex(physicalIndex).BodyJson(keywordMapping(multiTenant)).Do(ctx)
		if err != nil {
			return fmt.Errorf("create index %s: %w", physicalIndex, err)
		}
	}

	_, err = idx.client.Alias().Add(physicalIndex, alias).Do(ctx)
	if err != nil {
		return fmt.Errorf("attach alias %s to index %s: %w", alias, physicalIndex, err)
	}
	return nil
}

// Op is one entry of a propagator batch: either an upsert (Doc
// non-nil) or a delete (Doc nil).
type Op struct {
	ResourceType string
	ID           string
	Doc          map[string]interface{}
}

// Bulk executes ops against their respective aliases in a single
// request, returning the ids that failed so the caller can log and
// re-raise for feed redelivery.
func (idx *Index) Bulk(ctx context.Context, ops []Op) ([]string, error) {
	if len(ops) == 0 {
		return nil, nil
	}

	request := idx.client.Bulk()
	for _, op := range ops {
		alias := AliasName(op.ResourceType)
		if op.Doc == nil {
			request = request.Add(elastic.NewBulkDeleteRequest().Index(alias).Type("_doc").Id(op.ID))
		} else {
			request = request.Add(elastic.NewBulkIndexRequest().Index(alias).Type("_doc").Id(op.ID).Doc(op.Doc))
		}
	}

	response, err := request.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("bulk request: %w", err)
	}

	var failedIDs []string
	for _, item := range response.Failed() {
		failedIDs = append(failedIDs, item.Id)
	}
	if len(failedIDs) > 0 {
		return failedIDs, fmt.Errorf("bulk request: %d operations failed", len(failedIDs))
	}
	return nil, nil
}

// Upsert indexes (or replaces) a single document outside the batch
// path. The propagator does not call it; it writes through Bulk.
func (idx *Index) Upsert(ctx context.Context, resourceType, id string, doc map[string]interface{}) error {
	_, err := idx.client.Index().Index(AliasName(resourceType)).Type("_doc").Id(id).BodyJson(doc).Do(ctx)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", resourceType, id, err)
	}
	return nil
}

// Delete removes a single document by id from resourceType's alias.
func (idx *Index) Delete(ctx context.Context, resourceType, id string) error {
	_, err := idx.client.Delete().Index(AliasName(resourceType)).Type("_doc").Id(id).Do(ctx)
	if err != nil && !elastic.IsNotFound(err) {
		return fmt.Errorf("delete %s/%s: %w", resourceType, id, err)
	}
	return nil
}
