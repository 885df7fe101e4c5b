package engine

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/warekit/procflow/internal/store"
	"github.com/warekit/procflow/pkg/schema"
)

// SaveDefinition stores a workflow definition as a new version. A definition
// with no ID gets one assigned; an existing ID always produces version+1, so
// versions already referenced by instances are never mutated. New versions
// start inactive.
func (s *Supervisor) SaveDefinition(ctx context.Context, spec *schema.WorkflowDefinition, createdBy string) (*store.Definition, error) {
	if spec.EntityType == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "entity_type is required")
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}

	latest, err := s.store.LatestVersion(ctx, spec.ID)
	if err != nil {
		return nil, err
	}
	spec.Version = latest + 1
	spec.Active = false

	def := &store.Definition{
		ID:         spec.ID,
		EntityType: spec.EntityType,
		Version:    spec.Version,
		Active:     false,
		Spec:       *spec,
		CreatedBy:  createdBy,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.CreateDefinition(ctx, def); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "definition saved",
		"definition_id", def.ID, "version", def.Version, "entity_type", def.EntityType)
	return def, nil
}

// ActivateDefinition validates a definition version and makes it the single
// active version of its ID. In-flight instances keep their bound versions.
func (s *Supervisor) ActivateDefinition(ctx context.Context, id string, version int) (*store.Definition, error) {
	def, err := s.store.GetDefinition(ctx, id, version)
	if err != nil {
		return nil, err
	}
	if def.ArchivedAt != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "definition %s is archived", id)
	}
	if err := s.validator.ValidateForActivation(&def.Spec); err != nil {
		return nil, err
	}
	if err := s.store.ActivateDefinition(ctx, id, version); err != nil {
		return nil, err
	}
	def.Active = true
	def.Spec.Active = true
	s.logger.InfoContext(ctx, "definition activated", "definition_id", id, "version", version)
	return def, nil
}

// DeactivateDefinition retires the active version of a definition. Running
// instances continue; new triggers find no active definition.
func (s *Supervisor) DeactivateDefinition(ctx context.Context, id string) error {
	return s.store.DeactivateDefinition(ctx, id)
}

// ArchiveDefinition archives a definition with no running instances.
func (s *Supervisor) ArchiveDefinition(ctx context.Context, id string) error {
	return s.store.ArchiveDefinition(ctx, id)
}

// Definition returns one definition version; version 0 selects the active
// version.
func (s *Supervisor) Definition(ctx context.Context, id string, version int) (*store.Definition, error) {
	if version == 0 {
		return s.store.GetActiveDefinition(ctx, id)
	}
	return s.store.GetDefinition(ctx, id, version)
}

// ListDefinitions lists stored definition versions.
func (s *Supervisor) ListDefinitions(ctx context.Context, filter store.DefinitionFilter) ([]*store.Definition, error) {
	return s.store.ListDefinitions(ctx, filter)
}

// CloneDefinition copies a definition version into a new inactive
// definition with its own ID, for templating variants across entity types.
func (s *Supervisor) CloneDefinition(ctx context.Context, id string, version int, name, createdBy string) (*store.Definition, error) {
	src, err := s.Definition(ctx, id, version)
	if err != nil {
		return nil, err
	}
	spec := src.Spec
	spec.ID = ""
	spec.Name = name
	if name == "" {
		spec.Name = src.Spec.Name + " (copy)"
	}
	return s.SaveDefinition(ctx, &spec, createdBy)
}

// ExportDefinition renders a definition version as portable JSON.
func (s *Supervisor) ExportDefinition(ctx context.Context, id string, version int) ([]byte, error) {
	def, err := s.Definition(ctx, id, version)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(def.Spec, "", "  ")
}

// ImportDefinition stores an exported definition JSON as a new version.
func (s *Supervisor) ImportDefinition(ctx context.Context, raw []byte, createdBy string) (*store.Definition, error) {
	var spec schema.WorkflowDefinition
	if err := json.Unmarshal(raw, &spec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid definition JSON: %s", err).WithCause(err)
	}
	return s.SaveDefinition(ctx, &spec, createdBy)
}

// ListInstances lists instances matching the filter.
func (s *Supervisor) ListInstances(ctx context.Context, filter store.InstanceFilter) ([]*store.Instance, error) {
	return s.store.ListInstances(ctx, filter)
}

// ListStepInstances lists the step activations of one instance.
func (s *Supervisor) ListStepInstances(ctx context.Context, instanceID string) ([]*store.StepInstance, error) {
	return s.store.ListStepInstances(ctx, instanceID)
}

// ListTransitions returns the ordered transition audit log of an instance.
func (s *Supervisor) ListTransitions(ctx context.Context, instanceID string) ([]*store.Transition, error) {
	return s.store.ListTransitions(ctx, instanceID)
}

// ListApprovals returns the approval records of a step instance.
func (s *Supervisor) ListApprovals(ctx context.Context, stepInstanceID string) ([]*store.Approval, error) {
	return s.store.ListApprovals(ctx, stepInstanceID)
}
