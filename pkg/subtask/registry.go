// Package subtask defines the closed set of subtask kinds the platform can
// run. The controller only knows kind metadata and argument validation; the
// implementations live in the runner subpackage, linked into the agent.
package subtask

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/taskfleet/taskfleet/pkg/models"
)

// Built-in subtask kinds.
const (
	KindGetHostname   = "get_hostname"
	KindGetSystemInfo = "get_system_info"
	KindRunCommand    = "run_command"
)

// Metadata describes one kind for the catalog API.
type Metadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// RunCommandKwargs is the typed kwargs schema of the run_command kind.
type RunCommandKwargs struct {
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	Workdir        string `json:"workdir,omitempty"`
}

// spec pairs kind metadata with its argument validator.
type spec struct {
	meta     Metadata
	validate func(s *models.Subtask) error
}

// Registry is the closed kind set, constructed once at startup and passed to
// whoever validates or catalogs kinds. Unknown kinds are rejected at task
// creation, before anything reaches an agent.
type Registry struct {
	specs map[string]spec
}

// NewRegistry builds the registry with the built-in kinds.
func NewRegistry() *Registry {
	r := &Registry{specs: make(map[string]spec)}
	r.add(Metadata{
		Name:        KindGetHostname,
		Description: "Report the agent machine's hostname.",
	}, validateNoArgs)
	r.add(Metadata{
		Name:        KindGetSystemInfo,
		Description: "Report a fresh system fingerprint (CPU, memory, disk, OS).",
	}, validateNoArgs)
	r.add(Metadata{
		Name:        KindRunCommand,
		Description: "Run a binary on the agent and judge success by exit code.",
	}, validateRunCommand)
	return r
}

func (r *Registry) add(meta Metadata, validate func(*models.Subtask) error) {
	r.specs[meta.Name] = spec{meta: meta, validate: validate}
}

// Known reports whether the kind exists.
func (r *Registry) Known(name string) bool {
	_, ok := r.specs[name]
	return ok
}

// ValidateSubtask checks the kind exists and its arguments match the kind's
// schema. Implements store.KindRegistry.
func (r *Registry) ValidateSubtask(s *models.Subtask) error {
	sp, ok := r.specs[s.Name]
	if !ok {
		return fmt.Errorf("unknown subtask kind %q", s.Name)
	}
	return sp.validate(s)
}

// List returns the catalog, sorted by name.
func (r *Registry) List() []Metadata {
	out := make([]Metadata, 0, len(r.specs))
	for _, sp := range r.specs {
		out = append(out, sp.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func validateNoArgs(s *models.Subtask) error {
	if len(s.Args) > 0 {
		return fmt.Errorf("kind %q takes no args", s.Name)
	}
	if len(s.Kwargs) > 0 && string(s.Kwargs) != "{}" && string(s.Kwargs) != "null" {
		return fmt.Errorf("kind %q takes no kwargs", s.Name)
	}
	return nil
}

func validateRunCommand(s *models.Subtask) error {
	if len(s.Args) == 0 {
		return fmt.Errorf("kind %q requires at least the binary path in args", s.Name)
	}
	if len(s.Kwargs) == 0 {
		return nil
	}
	var kwargs RunCommandKwargs
	dec := json.NewDecoder(bytes.NewReader(s.Kwargs))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&kwargs); err != nil {
		return fmt.Errorf("kind %q kwargs: %w", s.Name, err)
	}
	if kwargs.TimeoutSeconds < 0 {
		return fmt.Errorf("kind %q kwargs: timeout_seconds must not be negative", s.Name)
	}
	return nil
}
