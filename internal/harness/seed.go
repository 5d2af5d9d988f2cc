package harness

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/scoresync/internal/model"
	"github.com/roach88/scoresync/internal/remote"
	"github.com/roach88/scoresync/internal/version"
)

// Apply stores the entity on server as written by its writer at now, at
// version {writer: 1}. It returns the stored fields.
func (e SeedEntity) Apply(server *remote.Memory, now time.Time) (model.Object, error) {
	if e.ID == "" || e.Type == "" {
		return nil, errors.New("seed: id and type are required")
	}
	fields, err := model.ObjectFromMap(e.Fields)
	if err != nil {
		return nil, fmt.Errorf("seed %s: %w", e.ID, err)
	}
	writer := e.Writer
	if writer == "" {
		writer = "origin"
	}
	roles := []model.Role{model.RoleCommittee}
	if len(e.Roles) > 0 {
		roles = roles[:0]
		for _, r := range e.Roles {
			roles = append(roles, model.Role(r))
		}
	}

	server.Seed(&model.Entity{
		ID:        e.ID,
		Type:      e.Type,
		Fields:    fields,
		Version:   version.Vector{writer: 1},
		UpdatedAt: now,
	}, writer, model.NewAuthority(roles...))
	return fields, nil
}

// LoadSeed reads a YAML list of seed entities, the same shape as a
// scenario's seed section.
func LoadSeed(path string) ([]SeedEntity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}

	var seeds []SeedEntity
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&seeds); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return seeds, nil
}
