package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/ruteri/agent-identity-provisioner/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func TestMultiStore_Available(t *testing.T) {
	tests := []struct {
		name     string
		stores   []bool
		expected bool
	}{
		{
			name:     "all stores available",
			stores:   []bool{true, true, true},
			expected: true,
		},
		{
			name:     "some stores available",
			stores:   []bool{false, true, false},
			expected: true,
		},
		{
			name:     "no stores available",
			stores:   []bool{false, false, false},
			expected: false,
		},
		{
			name:     "no stores",
			stores:   []bool{},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stores []interfaces.ContentStore
			for i, available := range tt.stores {
				m := &MockContentStore{StoreName: fmt.Sprintf("mock-%d", i)}
				m.On("Available", mock.Anything).Return(available).Maybe()
				stores = append(stores, m)
			}

			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			multi := NewMultiStore(stores, logger)

			assert.Equal(t, tt.expected, multi.Available(context.Background()))
			for _, s := range stores {
				s.(*MockContentStore).AssertExpectations(t)
			}
		})
	}
}

func TestMultiStore_Fetch(t *testing.T) {
	testCID := "bafkreitestcid"
	testData := []byte("test data")
	testErr := errors.New("test error")

	tests := []struct {
		name          string
		setupMocks    func() []interfaces.ContentStore
		expectedData  []byte
		expectedError error
	}{
		{
			name: "first store successful",
			setupMocks: func() []interfaces.ContentStore {
				mock1 := &MockContentStore{StoreName: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Fetch", mock.Anything, testCID).Return(testData, nil)

				mock2 := &MockContentStore{StoreName: "mock-B"}

				return []interfaces.ContentStore{mock1, mock2}
			},
			expectedData: testData,
		},
		{
			name: "first store fails, second succeeds",
			setupMocks: func() []interfaces.ContentStore {
				mock1 := &MockContentStore{StoreName: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Fetch", mock.Anything, testCID).Return(nil, testErr)

				mock2 := &MockContentStore{StoreName: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Fetch", mock.Anything, testCID).Return(testData, nil)

				return []interfaces.ContentStore{mock1, mock2}
			},
			expectedData: testData,
		},
		{
			name: "all stores fail",
			setupMocks: func() []interfaces.ContentStore {
				mock1 := &MockContentStore{StoreName: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Fetch", mock.Anything, testCID).Return(nil, testErr)

				mock2 := &MockContentStore{StoreName: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Fetch", mock.Anything, testCID).Return(nil, testErr)

				return []interfaces.ContentStore{mock1, mock2}
			},
			expectedError: testErr,
		},
		{
			name: "not found everywhere",
			setupMocks: func() []interfaces.ContentStore {
				mock1 := &MockContentStore{StoreName: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Fetch", mock.Anything, testCID).Return(nil, interfaces.ErrContentNotFound)

				return []interfaces.ContentStore{mock1}
			},
			expectedError: interfaces.ErrContentNotFound,
		},
		{
			name: "unavailable stores are skipped",
			setupMocks: func() []interfaces.ContentStore {
				mock1 := &MockContentStore{StoreName: "mock-A"}
				mock1.On("Available", mock.Anything).Return(false)

				mock2 := &MockContentStore{StoreName: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Fetch", mock.Anything, testCID).Return(testData, nil)

				return []interfaces.ContentStore{mock1, mock2}
			},
			expectedData: testData,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stores := tt.setupMocks()
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			multi := NewMultiStore(stores, logger)

			data, err := multi.Fetch(context.Background(), testCID)

			if tt.expectedError != nil {
				assert.ErrorIs(t, err, tt.expectedError)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.expectedData, data)

			for _, s := range stores {
				s.(*MockContentStore).AssertExpectations(t)
			}
		})
	}
}

func TestMultiStore_Put(t *testing.T) {
	testCID := "bafkreitestcid"
	testData := []byte("test data")

	tests := []struct {
		name         string
		setupMocks   func() []interfaces.ContentStore
		expectedCID  string
		expectedKind interfaces.ErrorKind
	}{
		{
			name: "all stores successful",
			setupMocks: func() []interfaces.ContentStore {
				mock1 := &MockContentStore{StoreName: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Put", mock.Anything, testData).Return(testCID, nil)

				mock2 := &MockContentStore{StoreName: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Put", mock.Anything, testData).Return(testCID, nil)

				return []interfaces.ContentStore{mock1, mock2}
			},
			expectedCID: testCID,
		},
		{
			name: "some stores fail",
			setupMocks: func() []interfaces.ContentStore {
				mock1 := &MockContentStore{StoreName: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Put", mock.Anything, testData).Return("", interfaces.ErrNetwork)

				mock2 := &MockContentStore{StoreName: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Put", mock.Anything, testData).Return(testCID, nil)

				return []interfaces.ContentStore{mock1, mock2}
			},
			expectedCID: testCID,
		},
		{
			name: "all stores fail with quota",
			setupMocks: func() []interfaces.ContentStore {
				mock1 := &MockContentStore{StoreName: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Put", mock.Anything, testData).Return("", interfaces.ErrQuotaExceeded)

				return []interfaces.ContentStore{mock1}
			},
			expectedKind: interfaces.KindQuotaExceeded,
		},
		{
			name: "no store available",
			setupMocks: func() []interfaces.ContentStore {
				mock1 := &MockContentStore{StoreName: "mock-A"}
				mock1.On("Available", mock.Anything).Return(false)

				return []interfaces.ContentStore{mock1}
			},
			expectedKind: interfaces.KindNetwork,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stores := tt.setupMocks()
			logger := slog.New(slog.NewTextHandler(io.Discard, nil))
			multi := NewMultiStore(stores, logger)

			c, err := multi.Put(context.Background(), testData)

			if tt.expectedKind != "" {
				assert.Error(t, err)
				assert.Equal(t, tt.expectedKind, interfaces.KindOf(err))
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.expectedCID, c)

			for _, s := range stores {
				s.(*MockContentStore).AssertExpectations(t)
			}
		})
	}
}
