package impact

import (
	"encoding/json"
	"fmt"
	"strings"
)

type MetadataKind string

const (
	MetadataCode MetadataKind = "code"
	MetadataTest MetadataKind = "test"
	MetadataData MetadataKind = "data"
	MetadataDoc  MetadataKind = "doc"
)

// MetadataDetail is the closed set of per-item-type metadata variants:
// CodeDetail, TestDetail, DataDetail and DocDetail.
type MetadataDetail interface {
	Kind() MetadataKind
}

type CodeDetail struct {
	Path     string  `json:"path"`
	LinkType string  `json:"link_type,omitempty"`
	Coupling float64 `json:"coupling"`
}

func (CodeDetail) Kind() MetadataKind { return MetadataCode }

type TestDetail struct {
	Path     string  `json:"path"`
	Suite    string  `json:"suite,omitempty"`
	Coupling float64 `json:"coupling"`
}

func (TestDetail) Kind() MetadataKind { return MetadataTest }

type DataDetail struct {
	Name     string   `json:"name"`
	DataKind DataKind `json:"data_kind"`
	LinkType string   `json:"link_type,omitempty"`
	Coupling float64  `json:"coupling"`
}

func (DataDetail) Kind() MetadataKind { return MetadataData }

type DocDetail struct {
	ArtefactID string  `json:"artefact_id"`
	LinkType   string  `json:"link_type,omitempty"`
	Coupling   float64 `json:"coupling"`
}

func (DocDetail) Kind() MetadataKind { return MetadataDoc }

// ItemMetadata is the snapshot of what an item was linked through at run time.
//
// Detail holds the typed variant; Extra keeps unknown keys so newer writers
// do not lose data when read by older code.
type ItemMetadata struct {
	Detail MetadataDetail
	Extra  map[string]any
}

// Coupling returns the link confidence recorded for the item, if any.
func (m ItemMetadata) Coupling() (float64, bool) {
	switch d := m.Detail.(type) {
	case CodeDetail:
		return d.Coupling, true
	case TestDetail:
		return d.Coupling, true
	case DataDetail:
		return d.Coupling, true
	case DocDetail:
		return d.Coupling, true
	default:
		return 0, false
	}
}

func (m ItemMetadata) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	if m.Detail != nil {
		b, err := json.Marshal(m.Detail)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(b, &out); err != nil {
			return nil, err
		}
		out["kind"] = string(m.Detail.Kind())
	}
	if len(m.Extra) > 0 {
		out["extra"] = m.Extra
	}
	return json.Marshal(out)
}

func (m *ItemMetadata) UnmarshalJSON(b []byte) error {
	if m == nil {
		return fmt.Errorf("nil metadata")
	}
	*m = ItemMetadata{}
	raw := strings.TrimSpace(string(b))
	if raw == "" || raw == "null" {
		return nil
	}

	var head struct {
		Kind  string         `json:"kind"`
		Extra map[string]any `json:"extra"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return err
	}
	m.Extra = head.Extra

	var detail MetadataDetail
	switch MetadataKind(strings.TrimSpace(head.Kind)) {
	case "":
		return nil
	case MetadataCode:
		var d CodeDetail
		if err := json.Unmarshal(b, &d); err != nil {
			return err
		}
		detail = d
	case MetadataTest:
		var d TestDetail
		if err := json.Unmarshal(b, &d); err != nil {
			return err
		}
		detail = d
	case MetadataData:
		var d DataDetail
		if err := json.Unmarshal(b, &d); err != nil {
			return err
		}
		detail = d
	case MetadataDoc:
		var d DocDetail
		if err := json.Unmarshal(b, &d); err != nil {
			return err
		}
		detail = d
	default:
		// Unknown variant: keep the whole object in Extra.
		var all map[string]any
		if err := json.Unmarshal(b, &all); err != nil {
			return err
		}
		m.Extra = all
		return nil
	}
	m.Detail = detail
	return nil
}

// metadataForEdge snapshots the edge an item was derived from.
func metadataForEdge(e Edge) ItemMetadata {
	extra := map[string]any{"link_source": string(e.Source)}
	switch e.TargetType {
	case TargetCode:
		return ItemMetadata{Detail: CodeDetail{Path: e.TargetID, LinkType: e.LinkType, Coupling: e.Confidence}, Extra: extra}
	case TargetTest:
		return ItemMetadata{Detail: TestDetail{Path: e.TargetID, Suite: e.LinkType, Coupling: e.Confidence}, Extra: extra}
	case TargetData:
		return ItemMetadata{Detail: DataDetail{Name: e.TargetID, DataKind: e.DataKind, LinkType: e.LinkType, Coupling: e.Confidence}, Extra: extra}
	case TargetArtefact:
		return ItemMetadata{Detail: DocDetail{ArtefactID: e.TargetID, LinkType: e.LinkType, Coupling: e.Confidence}, Extra: extra}
	default:
		return ItemMetadata{Extra: extra}
	}
}
