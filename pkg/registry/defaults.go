package registry

import (
	"github.com/dukex/cadmaflow/pkg/providers/molecules"
	"github.com/dukex/cadmaflow/pkg/providers/properties"
	"github.com/dukex/cadmaflow/pkg/steps/acquire"
	"github.com/dukex/cadmaflow/pkg/steps/compute"
	"github.com/dukex/cadmaflow/pkg/steps/filter"
)

// RegisterDefaults registers the built-in step types and providers.
func (r *Registry) RegisterDefaults() {
	r.RegisterStep(acquire.NewFactory())
	r.RegisterStep(compute.NewFactory(r))
	r.RegisterStep(filter.NewFactory())

	r.RegisterEntitySetProvider(molecules.NewStatic())
	r.RegisterEntitySetProvider(molecules.NewCatalog())

	r.RegisterPropertyProvider(properties.NewLogP())
	r.RegisterPropertyProvider(properties.NewUserInput())
}
