package backend

import (
	"context"

	"github.com/ruteri/agent-identity-provisioner/interfaces"
	"github.com/stretchr/testify/mock"
)

// MockService implements interfaces.BackendService for testing.
// The behavior is determined by how the mock is configured in tests.
type MockService struct {
	mock.Mock
}

func (m *MockService) StartProvisioning(ctx context.Context, identityID string) (string, error) {
	args := m.Called(ctx, identityID)
	return args.String(0), args.Error(1)
}

func (m *MockService) JobStatus(ctx context.Context, jobID string) (interfaces.ProvisioningStatus, error) {
	args := m.Called(ctx, jobID)
	return args.Get(0).(interfaces.ProvisioningStatus), args.Error(1)
}
