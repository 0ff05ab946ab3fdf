package storage

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockContentStore mocks the interfaces.ContentStore interface
type MockContentStore struct {
	mock.Mock
	StoreName string
}

// Put mocks the Put method
func (m *MockContentStore) Put(ctx context.Context, data []byte) (string, error) {
	args := m.Called(ctx, data)
	return args.String(0), args.Error(1)
}

// Fetch mocks the Fetch method
func (m *MockContentStore) Fetch(ctx context.Context, c string) ([]byte, error) {
	args := m.Called(ctx, c)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

// Available mocks the Available method
func (m *MockContentStore) Available(ctx context.Context) bool {
	args := m.Called(ctx)
	return args.Bool(0)
}

func (m *MockContentStore) Name() string {
	return m.StoreName
}

func (m *MockContentStore) LocationURI() string {
	return "mock://" + m.StoreName
}
