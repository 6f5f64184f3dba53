package mocks

import (
	"context"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/protocol"
	"github.com/stretchr/testify/mock"
)

// MockProviderGateway is a mock implementation of protocol.ProviderGateway interface.
type MockProviderGateway struct {
	mock.Mock
}

func (m *MockProviderGateway) FetchEntities(ctx context.Context, providerID string, params map[string]any) ([]protocol.EntityDescriptor, error) {
	args := m.Called(ctx, providerID, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]protocol.EntityDescriptor), args.Error(1)
}

func (m *MockProviderGateway) ProduceProperties(ctx context.Context, providerID string, molecules []*models.Molecule, params map[string]any) ([]*models.DataRecord, error) {
	args := m.Called(ctx, providerID, molecules, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.DataRecord), args.Error(1)
}

// MockPropertyProvider is a mock implementation of protocol.PropertyProvider interface.
type MockPropertyProvider struct {
	mock.Mock
}

func (m *MockPropertyProvider) ID() string {
	return m.Called().String(0)
}

func (m *MockPropertyProvider) Name() string {
	return m.Called().String(0)
}

func (m *MockPropertyProvider) Description() string {
	return m.Called().String(0)
}

func (m *MockPropertyProvider) Version() string {
	return m.Called().String(0)
}

func (m *MockPropertyProvider) Schema() map[string]any {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}

	return args.Get(0).(map[string]any)
}

func (m *MockPropertyProvider) Produces(params map[string]any) (models.DataShape, error) {
	args := m.Called(params)

	return args.Get(0).(models.DataShape), args.Error(1)
}

func (m *MockPropertyProvider) Produce(ctx context.Context, molecules []*models.Molecule, params map[string]any) ([]*models.DataRecord, error) {
	args := m.Called(ctx, molecules, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.DataRecord), args.Error(1)
}

// MockNotifier records workflow events handed to it.
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, event *models.WorkflowEvent) error {
	args := m.Called(ctx, event)

	return args.Error(0)
}
