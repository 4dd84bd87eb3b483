package process

import "time"

// State is the lifecycle state of an instance.
type State string

const (
	StateRunning State = "running"
	StateEnded   State = "ended"
)

// Instance is one execution of a definition. DefinitionRevision pins the
// revision the instance was created from; later edits to the definition do
// not change how it advances.
type Instance struct {
	ID                 string    `json:"id"`
	DefinitionID       string    `json:"definition_id"`
	DefinitionRevision int       `json:"definition_revision"`
	Name               string    `json:"name"`
	Description        string    `json:"description,omitempty"`
	CurrentActivityID  string    `json:"current_activity_id,omitempty"`
	History            []string  `json:"history,omitempty"`
	State              State     `json:"state"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Running reports whether the instance still has a current activity.
func (i *Instance) Running() bool {
	return i != nil && i.State == StateRunning
}

// Committed reports whether activityID appears in the history.
func (i *Instance) Committed(activityID string) bool {
	if i == nil {
		return false
	}
	for _, id := range i.History {
		if id == activityID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	clone := *i
	if len(i.History) > 0 {
		clone.History = append([]string(nil), i.History...)
	}
	return &clone
}

// SharedPair is one entry of an artifact's shared information.
type SharedPair struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// Artifact is the data submitted when an activity of an instance is committed.
// Content is opaque and returned unchanged.
type Artifact struct {
	ID                   string       `json:"id"`
	InstanceID           string       `json:"instance_id"`
	ActivityID           string       `json:"activity_id"`
	ArtifactDefinitionID string       `json:"artifact_definition_id,omitempty"`
	Name                 string       `json:"name,omitempty"`
	ContentType          string       `json:"content_type,omitempty"`
	Content              []byte       `json:"content,omitempty"`
	Shared               []SharedPair `json:"shared,omitempty"`
	CreatedAt            time.Time    `json:"created_at"`
	CommittedAt          time.Time    `json:"committed_at"`
}

// SharedMap flattens the shared pairs. Later pairs win on duplicate keys.
func (a *Artifact) SharedMap() map[string]string {
	out := make(map[string]string)
	if a == nil {
		return out
	}
	for _, pair := range a.Shared {
		out[pair.Key] = pair.Value
	}
	return out
}

// SharedValue returns the value of key.
func (a *Artifact) SharedValue(key string) (string, bool) {
	if a == nil {
		return "", false
	}
	value, found := "", false
	for _, pair := range a.Shared {
		if pair.Key == key {
			value, found = pair.Value, true
		}
	}
	return value, found
}

// Clone returns a deep copy.
func (a *Artifact) Clone() *Artifact {
	if a == nil {
		return nil
	}
	clone := *a
	if a.Content != nil {
		clone.Content = append([]byte(nil), a.Content...)
	}
	if a.Shared != nil {
		clone.Shared = append([]SharedPair(nil), a.Shared...)
	}
	return &clone
}
