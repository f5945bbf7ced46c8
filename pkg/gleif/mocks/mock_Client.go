// Package mocks provides test doubles for the gleif client.
package mocks

import (
	"context"

	gleif "github.com/sells-group/kyb-monitor/pkg/gleif"
	mock "github.com/stretchr/testify/mock"
)

// MockClient is a mock type for the Client interface.
type MockClient struct {
	mock.Mock
}

// GetRecord provides a mock function with given fields: ctx, lei
func (_m *MockClient) GetRecord(ctx context.Context, lei string) (*gleif.Record, error) {
	ret := _m.Called(ctx, lei)

	if len(ret) == 0 {
		panic("no return value specified for GetRecord")
	}

	var r0 *gleif.Record
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, string) (*gleif.Record, error)); ok {
		return rf(ctx, lei)
	}
	if rf, ok := ret.Get(0).(func(context.Context, string) *gleif.Record); ok {
		r0 = rf(ctx, lei)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*gleif.Record)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, string) error); ok {
		r1 = rf(ctx, lei)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// NewMockClient creates a new instance of MockClient.
func NewMockClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockClient {
	mock := &MockClient{}
	mock.Test(t)

	t.Cleanup(func() { mock.AssertExpectations(t) })

	return mock
}
