package impact

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

type TargetType string

const (
	TargetCode     TargetType = "code"
	TargetTest     TargetType = "test"
	TargetData     TargetType = "data"
	TargetArtefact TargetType = "artefact"
)

func ParseTargetType(raw string) (TargetType, bool) {
	t := TargetType(strings.ToLower(strings.TrimSpace(raw)))
	switch t {
	case TargetCode, TargetTest, TargetData, TargetArtefact:
		return t, true
	default:
		return "", false
	}
}

type LinkSource string

const (
	LinkManual      LinkSource = "manual"
	LinkAISuggested LinkSource = "ai_suggested"
)

// DataKind distinguishes the entries of the feature data map.
type DataKind string

const (
	DataTable DataKind = "table"
	DataEvent DataKind = "event"
	DataKPI   DataKind = "kpi"
)

// Edge is a directed, typed, confidence-weighted link from an artefact to a target.
type Edge struct {
	ID              string     `json:"id"`
	ArtefactID      string     `json:"artefact_id"`
	TargetType      TargetType `json:"target_type"`
	TargetID        string     `json:"target_id"`
	LinkType        string     `json:"link_type"`
	DataKind        DataKind   `json:"data_kind,omitempty"`
	Confidence      float64    `json:"confidence"`
	Source          LinkSource `json:"link_source"`
	UserID          string     `json:"user_id,omitempty"`
	CreatedAtUnixMs int64      `json:"created_at_unix_ms"`
}

// Key identifies an edge within the graph; a second edge with the same key
// overwrites the first.
func (e Edge) Key() string {
	return e.ArtefactID + "|" + string(e.TargetType) + "|" + e.TargetID
}

// ItemType is the kind of impact item an edge produces.
func (e Edge) ItemType() ItemType {
	switch e.TargetType {
	case TargetCode:
		return ItemCode
	case TargetTest:
		return ItemTest
	case TargetData:
		if e.DataKind == DataKPI {
			return ItemKPI
		}
		return ItemData
	default:
		return ItemDocumentation
	}
}

// Graph is the set of edges leaving one artefact, grouped by target type.
type Graph struct {
	Code      []Edge `json:"code"`
	Tests     []Edge `json:"tests"`
	Data      []Edge `json:"data"`
	Artefacts []Edge `json:"artefacts"`
}

func (g Graph) Len() int {
	return len(g.Code) + len(g.Tests) + len(g.Data) + len(g.Artefacts)
}

// All returns every edge in a stable order: code, tests, data, artefacts.
func (g Graph) All() []Edge {
	out := make([]Edge, 0, g.Len())
	out = append(out, g.Code...)
	out = append(out, g.Tests...)
	out = append(out, g.Data...)
	out = append(out, g.Artefacts...)
	return out
}

func (g Graph) ByType(t TargetType) []Edge {
	switch t {
	case TargetCode:
		return g.Code
	case TargetTest:
		return g.Tests
	case TargetData:
		return g.Data
	case TargetArtefact:
		return g.Artefacts
	default:
		return nil
	}
}

// GroupEdges builds a Graph from a flat edge list, sorted by target id.
func GroupEdges(edges []Edge) Graph {
	var g Graph
	for _, e := range edges {
		switch e.TargetType {
		case TargetCode:
			g.Code = append(g.Code, e)
		case TargetTest:
			g.Tests = append(g.Tests, e)
		case TargetData:
			g.Data = append(g.Data, e)
		case TargetArtefact:
			g.Artefacts = append(g.Artefacts, e)
		}
	}
	for _, list := range [][]Edge{g.Code, g.Tests, g.Data, g.Artefacts} {
		sort.Slice(list, func(i, j int) bool { return list[i].TargetID < list[j].TargetID })
	}
	return g
}

func defaultLinkType(t TargetType) string {
	switch t {
	case TargetCode:
		return "implements"
	case TargetTest:
		return "verifies"
	case TargetData:
		return "reads"
	default:
		return "relates_to"
	}
}

// NormalizeEdge validates an edge for artefactID and fills defaults.
//
// Manual edges always carry confidence 1.0.
func NormalizeEdge(artefactID string, e Edge) (Edge, error) {
	e.ArtefactID = strings.TrimSpace(artefactID)
	e.TargetID = strings.TrimSpace(e.TargetID)
	e.LinkType = strings.TrimSpace(e.LinkType)
	e.UserID = strings.TrimSpace(e.UserID)

	if e.ArtefactID == "" {
		return Edge{}, fmt.Errorf("%w: missing artefact_id", ErrInvalidEdge)
	}
	t, ok := ParseTargetType(string(e.TargetType))
	if !ok {
		return Edge{}, fmt.Errorf("%w: unsupported target_type %q", ErrInvalidEdge, e.TargetType)
	}
	e.TargetType = t
	if e.TargetID == "" {
		return Edge{}, fmt.Errorf("%w: missing target_id", ErrInvalidEdge)
	}
	if e.TargetType == TargetArtefact && e.TargetID == e.ArtefactID {
		return Edge{}, fmt.Errorf("%w: artefact cannot link to itself", ErrInvalidEdge)
	}
	if e.LinkType == "" {
		e.LinkType = defaultLinkType(e.TargetType)
	}

	switch e.Source {
	case "", LinkManual:
		e.Source = LinkManual
		e.Confidence = 1.0
	case LinkAISuggested:
		if math.IsNaN(e.Confidence) || e.Confidence <= 0 || e.Confidence > 1 {
			return Edge{}, fmt.Errorf("%w: confidence %v out of range (0,1]", ErrInvalidEdge, e.Confidence)
		}
	default:
		return Edge{}, fmt.Errorf("%w: unsupported link_source %q", ErrInvalidEdge, e.Source)
	}

	if e.TargetType == TargetData {
		switch e.DataKind {
		case "":
			e.DataKind = DataTable
		case DataTable, DataEvent, DataKPI:
		default:
			return Edge{}, fmt.Errorf("%w: unsupported data_kind %q", ErrInvalidEdge, e.DataKind)
		}
	} else {
		e.DataKind = ""
	}
	return e, nil
}
