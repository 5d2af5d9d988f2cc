package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/scoresync/internal/model"
)

// Scenario is a multi-device sync run: devices edit seeded server state,
// go offline and sync in a scripted order, then the outcome is checked.
type Scenario struct {
	// Name identifies the scenario (also the golden file name).
	Name string `yaml:"name"`

	// Description explains what the scenario exercises.
	Description string `yaml:"description"`

	// Devices are the simulated clients. Each gets its own local store.
	Devices []Device `yaml:"devices"`

	// Seed is the server state before any device acts.
	Seed []SeedEntity `yaml:"seed,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions are checked after the last step.
	Assertions []Assertion `yaml:"assertions"`
}

// Device is one simulated client.
type Device struct {
	ID string `yaml:"id"`

	// Roles is the authority attached to the device's edits unless an
	// enqueue step names its own.
	Roles []string `yaml:"roles,omitempty"`

	// Skew offsets the device's wall clock from the shared clock.
	Skew time.Duration `yaml:"skew,omitempty"`
}

// SeedEntity is an entity present on the server at the start.
type SeedEntity struct {
	ID     string         `yaml:"id"`
	Type   string         `yaml:"type"`
	Fields map[string]any `yaml:"fields"`

	// Writer defaults to "origin".
	Writer string `yaml:"writer,omitempty"`

	// Roles defaults to committee.
	Roles []string `yaml:"roles,omitempty"`
}

// Step is one scripted action. Exactly one action field is set; Device
// names the acting device for device actions.
type Step struct {
	Device string `yaml:"device,omitempty"`

	// Pull copies the server's entity and history onto the device.
	Pull string `yaml:"pull,omitempty"`

	// Enqueue records a local edit.
	Enqueue *EnqueueStep `yaml:"enqueue,omitempty"`

	// Sync runs one sync cycle.
	Sync bool `yaml:"sync,omitempty"`

	// Recover resumes an interrupted batch.
	Recover bool `yaml:"recover,omitempty"`

	// Restart closes the device's engine and reopens it on the same
	// database, as after a crash.
	Restart bool `yaml:"restart,omitempty"`

	// Network takes the device "offline" or brings it back "online".
	Network string `yaml:"network,omitempty"`

	// Drop makes the server apply at most this many mutations of the next
	// batch and then lose the response.
	Drop *int `yaml:"drop,omitempty"`

	// Advance moves the shared clock forward.
	Advance time.Duration `yaml:"advance,omitempty"`

	// Retry and Discard act on a parked mutation by reference.
	Retry   string `yaml:"retry,omitempty"`
	Discard string `yaml:"discard,omitempty"`
}

// EnqueueStep is a local edit.
type EnqueueStep struct {
	Entity string         `yaml:"entity"`
	Type   string         `yaml:"type"`
	Fields map[string]any `yaml:"fields"`

	// Roles overrides the device roles for this edit.
	Roles []string `yaml:"roles,omitempty"`

	// As names the mutation so later steps and assertions can refer to it.
	As string `yaml:"as,omitempty"`
}

// Assertion is a check on the final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	Device string `yaml:"device,omitempty"`
	Entity string `yaml:"entity,omitempty"`

	// Fields is a subset match on entity fields.
	Fields map[string]any `yaml:"fields,omitempty"`

	// Count is the expected number of matches.
	Count *int `yaml:"count,omitempty"`

	// Resolution, Winner and Visible filter conflict records.
	Resolution string `yaml:"resolution,omitempty"`
	Winner     string `yaml:"winner,omitempty"`
	Visible    *bool  `yaml:"visible,omitempty"`

	// Ref names a mutation by its enqueue alias.
	Ref string `yaml:"ref,omitempty"`

	// Code is an error code for failure assertions.
	Code string `yaml:"code,omitempty"`

	// Clients are the other devices expected to be editing Entity, in any
	// order. Empty means nobody else.
	Clients []string `yaml:"clients,omitempty"`
}

// Assertion type constants.
const (
	AssertServerState = "server_state"
	AssertDeviceState = "device_state"
	AssertPending     = "pending"
	AssertConflict    = "conflict"
	AssertApplied     = "applied"
	AssertHistory     = "history"
	AssertFailure     = "failure"
	AssertEditors     = "editors"
)

// Network states.
const (
	NetworkOffline = "offline"
	NetworkOnline  = "online"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict decoding catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Devices) == 0 {
		return fmt.Errorf("devices list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	devices := make(map[string]bool, len(s.Devices))
	for i, d := range s.Devices {
		if d.ID == "" {
			return fmt.Errorf("devices[%d]: id is required", i)
		}
		if devices[d.ID] {
			return fmt.Errorf("devices[%d]: duplicate id %q", i, d.ID)
		}
		if err := validateRoles(d.Roles); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
		devices[d.ID] = true
	}

	for i, e := range s.Seed {
		if e.ID == "" || e.Type == "" {
			return fmt.Errorf("seed[%d]: id and type are required", i)
		}
		if _, err := model.ObjectFromMap(e.Fields); err != nil {
			return fmt.Errorf("seed[%d].fields: %w", i, err)
		}
		if err := validateRoles(e.Roles); err != nil {
			return fmt.Errorf("seed[%d]: %w", i, err)
		}
	}

	refs := make(map[string]bool)
	for i, step := range s.Steps {
		if err := validateStep(step, devices, refs); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a, devices, refs); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(step Step, devices, refs map[string]bool) error {
	actions := 0
	for _, set := range []bool{
		step.Pull != "",
		step.Enqueue != nil,
		step.Sync,
		step.Recover,
		step.Restart,
		step.Network != "",
		step.Drop != nil,
		step.Advance != 0,
		step.Retry != "",
		step.Discard != "",
	} {
		if set {
			actions++
		}
	}
	if actions != 1 {
		return fmt.Errorf("exactly one action is required, got %d", actions)
	}

	needsDevice := step.Drop == nil && step.Advance == 0
	switch {
	case needsDevice && step.Device == "":
		return fmt.Errorf("device is required")
	case !needsDevice && step.Device != "":
		return fmt.Errorf("device is not allowed for server and clock steps")
	case step.Device != "" && !devices[step.Device]:
		return fmt.Errorf("unknown device %q", step.Device)
	}

	switch {
	case step.Enqueue != nil:
		e := step.Enqueue
		if e.Entity == "" || e.Type == "" {
			return fmt.Errorf("enqueue: entity and type are required")
		}
		if len(e.Fields) == 0 {
			return fmt.Errorf("enqueue: fields are required")
		}
		if _, err := model.ObjectFromMap(e.Fields); err != nil {
			return fmt.Errorf("enqueue.fields: %w", err)
		}
		if err := validateRoles(e.Roles); err != nil {
			return fmt.Errorf("enqueue: %w", err)
		}
		if e.As != "" {
			if refs[e.As] {
				return fmt.Errorf("enqueue: duplicate alias %q", e.As)
			}
			refs[e.As] = true
		}
	case step.Network != "":
		if step.Network != NetworkOffline && step.Network != NetworkOnline {
			return fmt.Errorf("network must be %q or %q", NetworkOffline, NetworkOnline)
		}
	case step.Drop != nil:
		if *step.Drop < 0 {
			return fmt.Errorf("drop must not be negative")
		}
	case step.Advance < 0:
		return fmt.Errorf("advance must not be negative")
	case step.Retry != "":
		if !refs[step.Retry] {
			return fmt.Errorf("retry: unknown alias %q", step.Retry)
		}
	case step.Discard != "":
		if !refs[step.Discard] {
			return fmt.Errorf("discard: unknown alias %q", step.Discard)
		}
	}
	return nil
}

func validateRoles(roles []string) error {
	for _, r := range roles {
		if !model.Role(r).Declared() {
			return fmt.Errorf("unknown role %q", r)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, devices, refs map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}
	if a.Device != "" && !devices[a.Device] {
		return fmt.Errorf("assertions[%d]: unknown device %q", index, a.Device)
	}

	switch a.Type {
	case AssertServerState:
		if a.Entity == "" || len(a.Fields) == 0 {
			return fmt.Errorf("assertions[%d]: entity and fields are required for server_state", index)
		}
	case AssertDeviceState:
		if a.Device == "" || a.Entity == "" || len(a.Fields) == 0 {
			return fmt.Errorf("assertions[%d]: device, entity and fields are required for device_state", index)
		}
	case AssertPending:
		if a.Device == "" || a.Count == nil {
			return fmt.Errorf("assertions[%d]: device and count are required for pending", index)
		}
	case AssertConflict:
		if a.Device == "" || a.Entity == "" {
			return fmt.Errorf("assertions[%d]: device and entity are required for conflict", index)
		}
	case AssertApplied:
		if !refs[a.Ref] {
			return fmt.Errorf("assertions[%d]: applied needs a known ref, got %q", index, a.Ref)
		}
	case AssertHistory:
		if a.Entity == "" || a.Count == nil {
			return fmt.Errorf("assertions[%d]: entity and count are required for history", index)
		}
	case AssertFailure:
		if a.Device == "" || a.Code == "" {
			return fmt.Errorf("assertions[%d]: device and code are required for failure", index)
		}
	case AssertEditors:
		if a.Device == "" || a.Entity == "" {
			return fmt.Errorf("assertions[%d]: device and entity are required for editors", index)
		}
		for _, c := range a.Clients {
			if !devices[c] {
				return fmt.Errorf("assertions[%d]: unknown editor %q", index, c)
			}
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown type %q", index, a.Type)
	}
	return nil
}
