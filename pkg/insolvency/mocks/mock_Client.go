// Package mocks provides test doubles for the insolvency client.
package mocks

import (
	"context"

	insolvency "github.com/sells-group/kyb-monitor/pkg/insolvency"
	mock "github.com/stretchr/testify/mock"
)

// MockClient is a mock type for the Client interface.
type MockClient struct {
	mock.Mock
}

// SearchNotices provides a mock function with given fields: ctx, q
func (_m *MockClient) SearchNotices(ctx context.Context, q insolvency.NoticeQuery) (*insolvency.NoticePage, error) {
	ret := _m.Called(ctx, q)

	if len(ret) == 0 {
		panic("no return value specified for SearchNotices")
	}

	var r0 *insolvency.NoticePage
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, insolvency.NoticeQuery) (*insolvency.NoticePage, error)); ok {
		return rf(ctx, q)
	}
	if rf, ok := ret.Get(0).(func(context.Context, insolvency.NoticeQuery) *insolvency.NoticePage); ok {
		r0 = rf(ctx, q)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(*insolvency.NoticePage)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, insolvency.NoticeQuery) error); ok {
		r1 = rf(ctx, q)
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
