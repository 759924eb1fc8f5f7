package types

import (
	"slices"
	"time"
)

// WorkReference identifies the code a job runs. It is resolved into an
// invocable by an activator; the store treats it as opaque.
type WorkReference struct {
	TypeName   string `json:"type" yaml:"type"`
	MethodName string `json:"method" yaml:"method"`
	Static     bool   `json:"static" yaml:"static"`
}

func (w WorkReference) String() string {
	if w.TypeName == "" {
		return w.MethodName
	}
	return w.TypeName + "." + w.MethodName
}

// Parameter is one serialized argument handed to the invoked method.
type Parameter struct {
	TypeName string `json:"type" yaml:"type"`
	Value    string `json:"value" yaml:"value"`
}

// Prerequisite is any job handle a new job can be made to wait on.
type Prerequisite interface {
	ID() string
}

// JobDefinition is the immutable input to a job store.
type JobDefinition struct {
	Name        string
	Description string
	Work        WorkReference
	Parameters  []Parameter
	RunAt       *time.Time
	After       []Prerequisite
}

// NewJobDefinition copies params and after so later changes made by the
// caller to those slices are not observed by the definition.
func NewJobDefinition(name, description string, work WorkReference, params []Parameter, runAt *time.Time, after []Prerequisite) *JobDefinition {
	def := &JobDefinition{
		Name:        name,
		Description: description,
		Work:        work,
		Parameters:  slices.Clone(params),
		After:       slices.Clone(after),
	}
	if runAt != nil {
		t := *runAt
		def.RunAt = &t
	}
	return def
}

// CronJob represents a recurring job template configuration
type CronJob struct {
	Name        string        `json:"name" yaml:"name"`
	Schedule    string        `json:"schedule" yaml:"schedule"`
	Work        WorkReference `json:"work" yaml:"work"`
	Parameters  []Parameter   `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Enabled     bool          `json:"enabled" yaml:"enabled"`
	Description string        `json:"description" yaml:"description"`
}

// CronConfig represents the recurring job scheduler configuration
type CronConfig struct {
	Predefined []CronJob `json:"predefined" yaml:"predefined"`
}
