package domain

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	OwnerID     string `json:"owner_id"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// Step is one ordered action of a procedure.
type Step struct {
	Index          int    `json:"index"`
	Action         string `json:"action"`
	ExpectedResult string `json:"expected_result,omitempty"`
	Screenshot     string `json:"screenshot,omitempty"`
}

// Procedure is one record of a versioned lineage. Version 0 is the mutable
// draft, versions >= 1 are immutable. ParentID is nil on the lineage root.
type Procedure struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	ParentID    *string `json:"parent_id,omitempty"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Version     int     `json:"version"`
	IsLatest    bool    `json:"is_latest"`
	Steps       []Step  `json:"steps"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

// LineageID returns the id shared by every record of the lineage.
func (p Procedure) LineageID() string {
	if p.ParentID != nil {
		return *p.ParentID
	}
	return p.ID
}

const (
	RunPending = "pending"
	RunRunning = "running"
	RunPassed  = "passed"
	RunFailed  = "failed"
	RunSkipped = "skipped"
)

type Run struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	ProcedureID string  `json:"procedure_id"`
	Status      string  `json:"status" enum:"pending,running,passed,failed,skipped"`
	Assignee    *string `json:"assignee,omitempty"`
	Notes       string  `json:"notes,omitempty"`
	StartedAt   *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

// RunTerminal reports whether a run status is final.
func RunTerminal(status string) bool {
	return status == RunPassed || status == RunFailed || status == RunSkipped
}

const (
	JobCreated = "created"
	JobRunning = "running"
	JobStopped = "stopped"
	JobFailed  = "failed"
	JobSuccess = "success"

	JobTypeUIExploration = "ui_exploration"
)

type Job struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	Type        string  `json:"type" enum:"ui_exploration"`
	ConfigJSON  string  `json:"config_json"`
	Status      string  `json:"status" enum:"created,running,stopped,failed,success"`
	Error       string  `json:"error,omitempty"`
	Summary     string  `json:"summary,omitempty"`
	Dispatched  bool    `json:"dispatched"`
	StartedAt   *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

// JobTerminal reports whether a job status is final.
func JobTerminal(status string) bool {
	return status == JobStopped || status == JobFailed || status == JobSuccess
}

// ExplorationConfig is the typed config carried by ui_exploration jobs.
type ExplorationConfig struct {
	EndpointID       string `json:"endpoint_id"`
	ProjectID        string `json:"project_id"`
	ProcedureName    string `json:"procedure_name,omitempty"`
	MaxSteps         int    `json:"max_steps,omitempty"`
	TimeLimitSeconds int    `json:"time_limit_seconds,omitempty"`
}

const (
	AssetImage    = "image"
	AssetVideo    = "video"
	AssetBinary   = "binary"
	AssetDocument = "document"
)

type Asset struct {
	ID          string `json:"id"`
	RunID       string `json:"run_id"`
	Name        string `json:"name"`
	Type        string `json:"type" enum:"image,video,binary,document"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	StoragePath string `json:"storage_path"`
	URL         string `json:"url,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// ValidAssetType reports whether t is one of the known asset types.
func ValidAssetType(t string) bool {
	switch t {
	case AssetImage, AssetVideo, AssetBinary, AssetDocument:
		return true
	}
	return false
}

// Credential is one key-value pair an endpoint hands to the agent, for
// example a login and a password for the target system.
type Credential struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Endpoint is a target system that exploration jobs drive.
type Endpoint struct {
	ID          string       `json:"id"`
	ProjectID   string       `json:"project_id"`
	Name        string       `json:"name"`
	BaseURL     string       `json:"base_url"`
	Description string       `json:"description,omitempty"`
	Credentials []Credential `json:"credentials,omitempty"`
	CreatedAt   string       `json:"created_at" format:"date-time"`
	UpdatedAt   string       `json:"updated_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
