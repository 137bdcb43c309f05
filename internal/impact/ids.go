package impact

import "github.com/google/uuid"

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// NewRunID allocates an impact run id.
func NewRunID() string { return newID("run") }

func newItemID() string       { return newID("itm") }
func newEdgeID() string       { return newID("lnk") }
func newSuggestionID() string { return newID("sug") }
func newSnapshotID() string   { return newID("snap") }
func newQueueID() string      { return newID("q") }
