package mocks

import (
	"context"
	"time"

	"github.com/dukex/cadmaflow/pkg/models"
	"github.com/dukex/cadmaflow/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockPersistence serves mocked record and event repositories and delegates
// every other repository to Persistence.
type MockPersistence struct {
	persistence.Persistence

	Records *MockRecordRepository
	Events  *MockEventRepository
}

func (m *MockPersistence) RecordRepository() persistence.RecordRepository {
	if m.Records == nil {
		return m.Persistence.RecordRepository()
	}

	return m.Records
}

func (m *MockPersistence) EventRepository() persistence.EventRepository {
	if m.Events == nil {
		return m.Persistence.EventRepository()
	}

	return m.Events
}

// MockRecordRepository is a mock implementation of persistence.RecordRepository interface.
type MockRecordRepository struct {
	mock.Mock
}

func (m *MockRecordRepository) Save(ctx context.Context, record *models.DataRecord) error {
	args := m.Called(ctx, record)

	return args.Error(0)
}

func (m *MockRecordRepository) GetByID(ctx context.Context, id string) (*models.DataRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.DataRecord), args.Error(1)
}

func (m *MockRecordRepository) GetMany(ctx context.Context, ids []string) ([]*models.DataRecord, error) {
	args := m.Called(ctx, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.DataRecord), args.Error(1)
}

func (m *MockRecordRepository) Find(ctx context.Context, filter persistence.RecordFilter) ([]*models.DataRecord, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.DataRecord), args.Error(1)
}

func (m *MockRecordRepository) Freeze(ctx context.Context, id, actor string, at time.Time) (*models.DataRecord, error) {
	args := m.Called(ctx, id, actor, at)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.DataRecord), args.Error(1)
}

func (m *MockRecordRepository) CommitBatch(ctx context.Context, records []*models.DataRecord, actor string, at time.Time) error {
	args := m.Called(ctx, records, actor, at)

	return args.Error(0)
}

func (m *MockRecordRepository) Discard(ctx context.Context, producedBy string, ids []string) error {
	args := m.Called(ctx, producedBy, ids)

	return args.Error(0)
}

// MockEventRepository is a mock implementation of persistence.EventRepository interface.
type MockEventRepository struct {
	mock.Mock
}

func (m *MockEventRepository) Append(ctx context.Context, event *models.WorkflowEvent) error {
	args := m.Called(ctx, event)

	return args.Error(0)
}

func (m *MockEventRepository) ListByExecution(ctx context.Context, executionID string) ([]*models.WorkflowEvent, error) {
	args := m.Called(ctx, executionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.WorkflowEvent), args.Error(1)
}
