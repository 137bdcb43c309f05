package impact

import (
	"strings"
)

// Artefact is a tracked document owned by the surrounding application.
//
// The engine only reads artefacts; CRUD lives elsewhere.
type Artefact struct {
	ID               string `json:"id"`
	Title            string `json:"title,omitempty"`
	Kind             string `json:"kind,omitempty"`
	Content          string `json:"content"`
	ContentType      string `json:"content_type,omitempty"`
	ProductContextID string `json:"product_context_id,omitempty"`
	UpdatedAtUnixMs  int64  `json:"updated_at_unix_ms"`
}

// Snapshot is the content of an artefact as seen by a completed analysis.
type Snapshot struct {
	ID              string `json:"id"`
	ArtefactID      string `json:"artefact_id"`
	Content         string `json:"content"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
}

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	default:
		return false
	}
}

// Score maps a change severity onto the 0..5 item scale.
func (s Severity) Score() float64 {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 3
	case SeverityHigh:
		return 5
	default:
		return 0
	}
}

type ChangeType string

const (
	ChangeAdded       ChangeType = "added"
	ChangeRemoved     ChangeType = "removed"
	ChangeModified    ChangeType = "modified"
	ChangeReworded    ChangeType = "reworded"
	ChangeNewArtefact ChangeType = "new_artefact"
)

// Change is one discrete delta between two versions of an artefact.
type Change struct {
	ChangeType  ChangeType `json:"change_type"`
	Entity      string     `json:"entity"`
	Before      string     `json:"before,omitempty"`
	After       string     `json:"after,omitempty"`
	Severity    Severity   `json:"severity"`
	Description string     `json:"description"`
}

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// CanAdvanceRun reports whether a run may move from one status to another.
// Run status only moves forward: pending -> running -> completed|failed.
// A pending run may fail directly when it cannot be started.
func CanAdvanceRun(from RunStatus, to RunStatus) bool {
	switch from {
	case RunPending:
		return to == RunRunning || to == RunFailed
	case RunRunning:
		return to == RunCompleted || to == RunFailed
	default:
		return false
	}
}

// Summary is the aggregate recorded on a completed run.
type Summary struct {
	TotalChanges      int                `json:"total_changes"`
	TypeBreakdown     map[ChangeType]int `json:"type_breakdown"`
	HighSeverityCount int                `json:"high_severity_count"`
	LinkedArtefacts   int                `json:"linked_artefacts"`
	ManualLinks       int                `json:"manual_links"`
	Degraded          bool               `json:"degraded,omitempty"`
	FailedTargets     []string           `json:"failed_targets,omitempty"`
}

// Run is one analysis pass over an artefact.
type Run struct {
	ID                 string    `json:"id"`
	ArtefactID         string    `json:"artefact_id"`
	TriggerChangeSetID string    `json:"trigger_change_set_id,omitempty"`
	ArtefactVersionID  string    `json:"artefact_version_id,omitempty"`
	ImpactScore        float64   `json:"impact_score"`
	Summary            Summary   `json:"summary"`
	Status             RunStatus `json:"status"`
	Error              string    `json:"error,omitempty"`
	Warnings           []string  `json:"warnings,omitempty"`
	CreatedAtUnixMs    int64     `json:"created_at_unix_ms"`
	CompletedAtUnixMs  int64     `json:"completed_at_unix_ms,omitempty"`
}

type ItemType string

const (
	ItemDocumentation ItemType = "documentation"
	ItemBacklog       ItemType = "backlog"
	ItemSpec          ItemType = "spec"
	ItemTest          ItemType = "test"
	ItemCode          ItemType = "code"
	ItemKPI           ItemType = "kpi"
	ItemData          ItemType = "data"
)

func (t ItemType) Valid() bool {
	switch t {
	case ItemDocumentation, ItemBacklog, ItemSpec, ItemTest, ItemCode, ItemKPI, ItemData:
		return true
	default:
		return false
	}
}

type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewRequired ReviewStatus = "review_required"
	ReviewReviewed ReviewStatus = "reviewed"
	ReviewIgnored  ReviewStatus = "ignored"
)

func ParseReviewStatus(raw string) (ReviewStatus, bool) {
	s := ReviewStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case ReviewPending, ReviewRequired, ReviewReviewed, ReviewIgnored:
		return s, true
	default:
		return "", false
	}
}

// Item is one affected entity within a run.
type Item struct {
	ID                string       `json:"id"`
	RunID             string       `json:"impact_run_id"`
	Name              string       `json:"item_name"`
	Type              ItemType     `json:"item_type"`
	Score             float64      `json:"impact_score"`
	Reason            string       `json:"impact_reason"`
	ReviewStatus      ReviewStatus `json:"review_status"`
	RelatedArtefactID string       `json:"related_artefact_id,omitempty"`
	Metadata          ItemMetadata `json:"metadata"`
}

// Key is the identity of an item across runs of the same artefact.
func (it Item) Key() string {
	return ItemKey(it.Type, it.Name)
}

func ItemKey(t ItemType, name string) string {
	return string(t) + ":" + name
}

// ItemTypeForArtefactKind maps a linked artefact's kind onto an item type.
func ItemTypeForArtefactKind(kind string) ItemType {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "prd", "spec", "specification", "requirements":
		return ItemSpec
	case "backlog", "story", "user_story", "epic", "ticket":
		return ItemBacklog
	default:
		return ItemDocumentation
	}
}
