package impact

import (
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type SuggestionStatus string

const (
	SuggestionPending  SuggestionStatus = "pending"
	SuggestionAccepted SuggestionStatus = "accepted"
	SuggestionRejected SuggestionStatus = "rejected"
)

// Suggestion is a proposed linkage edge awaiting a human decision.
// Accepted and rejected are terminal.
type Suggestion struct {
	ID                  string           `json:"id"`
	ArtefactID          string           `json:"artefact_id"`
	SuggestedTargetType TargetType       `json:"suggested_target_type"`
	SuggestedTargetID   string           `json:"suggested_target_id"`
	SuggestedLinkType   string           `json:"suggested_link_type"`
	SuggestedDataKind   DataKind         `json:"suggested_data_kind,omitempty"`
	Confidence          float64          `json:"confidence"`
	Reasoning           string           `json:"reasoning"`
	Status              SuggestionStatus `json:"status"`
	CreatedAtUnixMs     int64            `json:"created_at_unix_ms"`
	DecidedAtUnixMs     int64            `json:"decided_at_unix_ms,omitempty"`
}

// Edge is the linkage edge an accepted suggestion materializes into.
func (s Suggestion) Edge(userID string) Edge {
	return Edge{
		ArtefactID: s.ArtefactID,
		TargetType: s.SuggestedTargetType,
		TargetID:   s.SuggestedTargetID,
		LinkType:   s.SuggestedLinkType,
		DataKind:   s.SuggestedDataKind,
		Confidence: s.Confidence,
		Source:     LinkAISuggested,
		UserID:     userID,
	}
}

// Catalogue lists identifiers the suggestion oracle may link to.
type Catalogue struct {
	Code []string `json:"code" yaml:"code"`
	Data []string `json:"data" yaml:"data"`
}

// LoadCatalogue reads a YAML (or JSON) catalogue file. A missing file is an
// empty catalogue.
func LoadCatalogue(path string) (Catalogue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Catalogue{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Catalogue{}, nil
		}
		return Catalogue{}, err
	}
	var c Catalogue
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Catalogue{}, fmt.Errorf("parse catalogue %s: %w", path, err)
	}
	c.Code = unionIDs(c.Code, nil)
	c.Data = unionIDs(c.Data, nil)
	return c, nil
}

// suggestionFromOracle validates one oracle proposal for artefactID.
// linked holds the keys (type|id) of edges that already exist.
func suggestionFromOracle(artefactID string, in SuggestedLink, linked map[string]struct{}) (Suggestion, error) {
	t, ok := ParseTargetType(in.TargetType)
	if !ok {
		return Suggestion{}, fmt.Errorf("unsupported target_type %q", in.TargetType)
	}
	id := strings.TrimSpace(in.TargetID)
	if id == "" {
		return Suggestion{}, fmt.Errorf("empty target_id")
	}
	if t == TargetArtefact && id == artefactID {
		return Suggestion{}, fmt.Errorf("self link")
	}
	if math.IsNaN(in.Confidence) || in.Confidence <= 0 || in.Confidence > 1 {
		return Suggestion{}, fmt.Errorf("confidence %v out of range (0,1]", in.Confidence)
	}
	if _, exists := linked[string(t)+"|"+id]; exists {
		return Suggestion{}, fmt.Errorf("%s %q is already linked", t, id)
	}
	linkType := strings.TrimSpace(in.LinkType)
	if linkType == "" {
		linkType = defaultLinkType(t)
	}
	s := Suggestion{
		ID:                  newSuggestionID(),
		ArtefactID:          artefactID,
		SuggestedTargetType: t,
		SuggestedTargetID:   id,
		SuggestedLinkType:   linkType,
		Confidence:          in.Confidence,
		Reasoning:           strings.TrimSpace(in.Reasoning),
		Status:              SuggestionPending,
	}
	if t == TargetData {
		s.SuggestedDataKind = DataTable
		if strings.EqualFold(linkType, "kpi") || strings.EqualFold(linkType, "measures") {
			s.SuggestedDataKind = DataKPI
		}
	}
	return s, nil
}
