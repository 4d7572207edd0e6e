package core

import "time"

// TaskStatus is the lifecycle state of a task. Transitions are forward-only.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
)

var taskStatusOrder = map[TaskStatus]int{
	TaskStatusPending:    0,
	TaskStatusInProgress: 1,
	TaskStatusCompleted:  2,
}

func (s TaskStatus) Valid() bool {
	_, ok := taskStatusOrder[s]
	return ok
}

// CanTransition reports whether moving from s to target is a forward transition.
func (s TaskStatus) CanTransition(target TaskStatus) bool {
	from, ok := taskStatusOrder[s]
	if !ok {
		return false
	}
	to, ok := taskStatusOrder[target]
	if !ok {
		return false
	}
	return to == from+1
}

// RelatedFileType describes how a task intends to touch a file.
type RelatedFileType string

const (
	RelatedFileCreate     RelatedFileType = "CREATE"
	RelatedFileToModify   RelatedFileType = "TO_MODIFY"
	RelatedFileReference  RelatedFileType = "REFERENCE"
	RelatedFileDependency RelatedFileType = "DEPENDENCY"
	RelatedFileOther      RelatedFileType = "OTHER"
)

type RelatedFile struct {
	Path        string          `json:"path"`
	Type        RelatedFileType `json:"type"`
	Description string          `json:"description,omitempty"`
	LineStart   int             `json:"lineStart,omitempty"`
	LineEnd     int             `json:"lineEnd,omitempty"`
}

// Dependency is an edge to another task that must be completed first.
type Dependency struct {
	TaskID string `json:"taskId"`
}

// Task is a unit of planned work. The graph manager is the only writer; all
// other packages treat tasks as values.
type Task struct {
	ID                   string        `json:"id"`
	Name                 string        `json:"name"`
	Description          string        `json:"description"`
	Notes                string        `json:"notes,omitempty"`
	ImplementationGuide  string        `json:"implementationGuide,omitempty"`
	VerificationCriteria string        `json:"verificationCriteria,omitempty"`
	Status               TaskStatus    `json:"status"`
	Dependencies         []Dependency  `json:"dependencies"`
	RelatedFiles         []RelatedFile `json:"relatedFiles,omitempty"`
	Summary              string        `json:"summary,omitempty"`
	CreatedAt            time.Time     `json:"createdAt"`
	UpdatedAt            time.Time     `json:"updatedAt"`
	CompletedAt          *time.Time    `json:"completedAt,omitempty"`
}

// DependsOn reports whether t has a direct dependency on the given task id.
func (t *Task) DependsOn(id string) bool {
	for _, d := range t.Dependencies {
		if d.TaskID == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.Dependencies = append([]Dependency(nil), t.Dependencies...)
	c.RelatedFiles = append([]RelatedFile(nil), t.RelatedFiles...)
	if t.CompletedAt != nil {
		ca := *t.CompletedAt
		c.CompletedAt = &ca
	}
	return &c
}

// ProjectRoot identifies a project's isolated storage location. Name is the
// sanitized project name, Dir the directory assigned to it. Backends that do
// not use the filesystem key their data by Name.
type ProjectRoot struct {
	Name string `json:"name"`
	Dir  string `json:"dir"`
}
