// Package mocks provides test doubles for the vies client.
package mocks

import (
	"context"

	vies "github.com/sells-group/kyb-monitor/pkg/vies"
	mock "github.com/stretchr/testify/mock"
)

// MockClient is a mock type for the Client interface.
type MockClient struct {
	mock.Mock
}

// CheckVat provides a mock function with given fields: ctx, countryCode, vatNumber
func (_m *MockClient) CheckVat(ctx context.Context, countryCode string, vatNumber string) (*vies.CheckVatResponse, error) {
	ret := _m.Called(ctx, countryCode, vatNumber)

	if len(ret) == 0 {
		panic("no return value specified for CheckVat")
	}

	var r0 *vies.CheckVatResponse
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, string, string) (*vies.CheckVatResponse, error)); ok {
		return rf(ctx, countryCode, vatNumber)
	}
	if rf, ok := ret.Get(0).(func(context.Context, string, string) *vies.CheckVatResponse); ok {
		r0 = rf(ctx, countryCode, vatNumber)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*vies.CheckVatResponse)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, string, string) error); ok {
		r1 = rf(ctx, countryCode, vatNumber)
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
