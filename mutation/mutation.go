// Package mutation carries DOM change records between a page observer and
// satlens. The JSON layout is the one domwatch emits on stdout, so a
// domwatch process can be piped straight into `satlens -watch`.
package mutation

import (
	"crypto/sha256"
	"encoding/hex"
)

// Op is the kind of DOM change.
type Op string

const (
	OpInsert   Op = "insert"    // subtree added; HTML holds its markup
	OpRemove   Op = "remove"    // node removed
	OpText     Op = "text"      // character data changed
	OpAttr     Op = "attr"      // attribute set
	OpAttrDel  Op = "attr_del"  // attribute removed
	OpDocReset Op = "doc_reset" // whole document replaced; a snapshot follows
)

// Record is one DOM change addressed by XPath. For inserts, XPath is the
// parent's path.
type Record struct {
	Op       Op     `json:"op"`
	XPath    string `json:"xpath"`
	NodeType int    `json:"node_type,omitempty"` // 1 element, 3 text, 8 comment
	Tag      string `json:"tag,omitempty"`
	Name     string `json:"name,omitempty"`
	Value    string `json:"value,omitempty"`
	OldValue string `json:"old_value,omitempty"`
	HTML     string `json:"html,omitempty"`
}

// Batch groups the records of one observer flush, in order.
type Batch struct {
	ID          string   `json:"id"`
	PageURL     string   `json:"page_url"`
	PageID      string   `json:"page_id"`
	Seq         uint64   `json:"seq"` // per page; a gap means lost batches
	Records     []Record `json:"records"`
	Timestamp   int64    `json:"timestamp"` // epoch ms
	SnapshotRef string   `json:"snapshot_ref"`
}

// Snapshot is a full serialised document.
type Snapshot struct {
	ID        string `json:"id"`
	PageURL   string `json:"page_url"`
	PageID    string `json:"page_id"`
	HTML      []byte `json:"html"`
	HTMLHash  string `json:"html_hash"`
	Timestamp int64  `json:"timestamp"`
}

// HashHTML returns the hex SHA-256 of raw markup.
func HashHTML(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Compress folds runs of changes to the same target into their last
// value: consecutive attr records on one (xpath, name) and consecutive
// text records on one xpath. The first OldValue of a run is kept.
// Structural records are never folded.
func Compress(records []Record) []Record {
	if len(records) <= 1 {
		return records
	}
	out := make([]Record, 0, len(records))
	for i := 0; i < len(records); i++ {
		rec := records[i]
		if rec.Op != OpAttr && rec.Op != OpText {
			out = append(out, rec)
			continue
		}
		first := rec.OldValue
		j := i + 1
		for j < len(records) && sameTarget(rec, records[j]) {
			rec = records[j]
			j++
		}
		rec.OldValue = first
		out = append(out, rec)
		i = j - 1
	}
	return out
}

func sameTarget(a, b Record) bool {
	if a.Op != b.Op || a.XPath != b.XPath {
		return false
	}
	return a.Op != OpAttr || a.Name == b.Name
}
