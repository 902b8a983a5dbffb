package hybridstore

import "encoding/json"

// bulkObject is the blob-store payload shape: the link it was stored
// under (so a read can verify it wasn't served from a stale key) plus
// the offloaded field values.
type bulkObject struct {
	Link string                 `json:"link"`
	Data map[string]interface{} `json:"data"`
}

func marshalBulkObject(link string, data map[string]interface{}) ([]byte, error) {
	return json.Marshal(bulkObject{Link: link, Data: data})
}

func unmarshalBulkObject(raw []byte) (bulkObject, error) {
	var b bulkObject
	err := json.Unmarshal(raw, &b)
	return b, err
}
