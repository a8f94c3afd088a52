// Package resolver substitutes object storage references in step parameters.
package resolver

import (
	"fmt"
	"strings"
)

// UserProvider is the provider segment of input sets uploaded with the job
const UserProvider = "inputs"

// InputSet names a set of objects either uploaded by the user or produced by a step
type InputSet struct {
	JobID  string `json:"jobId,omitempty"`
	StepID string `json:"stepId,omitempty"`
	Name   string `json:"name"`
}

// UserInputs is the input set of the given name uploaded with a job
func UserInputs(name string) InputSet {
	return InputSet{Name: name}
}

// StepOutputs is the input set produced by a step
func StepOutputs(stepID, name string) InputSet {
	return InputSet{StepID: stepID, Name: name}
}

// Provider is the step that produces the set, or "inputs" for user uploads
func (s InputSet) Provider() string {
	if s.StepID == "" {
		return UserProvider
	}
	return s.StepID
}

// Key is how placeholders refer to the set: <name> or <stepId>.<name>
func (s InputSet) Key() string {
	if s.StepID == "" {
		return s.Name
	}
	return s.StepID + "." + s.Name
}

// Placeholder renders the reference syntax for this set
func (s InputSet) Placeholder() string {
	return "${inputSet:" + s.Key() + "}"
}

// S3Prefix is s3://<bucket>/<jobId>/<provider>/<name>/
func (s InputSet) S3Prefix(bucket string) string {
	return fmt.Sprintf("s3://%s/%s/%s/%s/", bucket, s.JobID, s.Provider(), s.Name)
}

func (s InputSet) String() string {
	return s.Key()
}

// Context binds the input sets visible to one step of one job
type Context struct {
	JobID     string
	Bucket    string
	InputSets []InputSet

	// LocalRoot is where object storage is mirrored when the compute backend runs locally
	LocalRoot string
}

// Lookup finds an input set by placeholder key. Sets without a job id belong to the context's job.
func (c *Context) Lookup(key string) (InputSet, bool) {
	for _, set := range c.InputSets {
		if set.Key() == key {
			if set.JobID == "" {
				set.JobID = c.JobID
			}
			return set, true
		}
	}
	return InputSet{}, false
}

// ParseKey splits a placeholder key into step id and name
func ParseKey(key string) (stepID, name string) {
	if i := strings.LastIndex(key, "."); i >= 0 {
		return key[:i], key[i+1:]
	}
	return "", key
}
