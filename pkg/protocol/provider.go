// Package protocol defines the interfaces and contracts for pluggable steps and
// data providers.
package protocol

import (
	"context"
	"errors"
	"iter"

	"github.com/dukex/cadmaflow/pkg/models"
)

// ErrProviderUnavailable signals a transient provider failure such as a
// timeout or an unreachable remote service. Callers may retry.
var ErrProviderUnavailable = errors.New("provider unavailable")

// EntityDescriptor is a molecule as described by an entity-set provider.
type EntityDescriptor struct {
	InChIKey   string `json:"inchikey"`
	SMILES     string `json:"smiles,omitempty"`
	InChI      string `json:"inchi,omitempty"`
	CommonName string `json:"name,omitempty"`
}

// Provider is the metadata shared by every provider.
type Provider interface {
	// ID returns the unique identifier used to reference the provider
	ID() string

	// Name returns the human-readable name of the provider
	Name() string

	// Description returns what the provider does
	Description() string

	// Version is recorded on every produced record
	Version() string

	// Schema returns the JSON schema of the provider parameters
	Schema() map[string]any
}

// EntitySetProvider yields a finite, lazily produced sequence of molecules.
type EntitySetProvider interface {
	Provider

	Fetch(ctx context.Context, params map[string]any) (iter.Seq2[EntityDescriptor, error], error)
}

// PropertyProvider computes or retrieves property values for molecules. The
// returned records are unfrozen; freezing belongs to the step that asked.
type PropertyProvider interface {
	Provider

	// Produces returns the data shape emitted for the given parameters
	Produces(params map[string]any) (models.DataShape, error)

	Produce(ctx context.Context, molecules []*models.Molecule, params map[string]any) ([]*models.DataRecord, error)
}

// ProviderGateway is how steps reach providers. Implementations validate
// parameters, enforce timeouts, record provider runs and reuse records already
// produced for identical inputs.
type ProviderGateway interface {
	FetchEntities(ctx context.Context, providerID string, params map[string]any) ([]EntityDescriptor, error)
	ProduceProperties(ctx context.Context, providerID string, molecules []*models.Molecule, params map[string]any) ([]*models.DataRecord, error)
}
