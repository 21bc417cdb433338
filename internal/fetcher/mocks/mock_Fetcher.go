// Package mocks provides test doubles for the fetcher package.
package mocks

import (
	"context"
	"encoding/json"

	fetcher "github.com/kinhotel/pms-sync/internal/fetcher"
	mock "github.com/stretchr/testify/mock"
)

// MockFetcher is a mock type for the Fetcher interface.
type MockFetcher struct {
	mock.Mock
}

// FetchAll provides a mock function with given fields: ctx, req
func (_m *MockFetcher) FetchAll(ctx context.Context, req fetcher.Request) ([]json.RawMessage, error) {
	ret := _m.Called(ctx, req)

	if len(ret) == 0 {
		panic("no return value specified for FetchAll")
	}

	var r0 []json.RawMessage
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, fetcher.Request) ([]json.RawMessage, error)); ok {
		return rf(ctx, req)
	}
	if rf, ok := ret.Get(0).(func(context.Context, fetcher.Request) []json.RawMessage); ok {
		r0 = rf(ctx, req)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).([]json.RawMessage)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, fetcher.Request) error); ok {
		r1 = rf(ctx, req)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// NewMockFetcher creates a new instance of MockFetcher. It also registers a
// cleanup function to assert the mocks expectations.
func NewMockFetcher(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockFetcher {
	m := &MockFetcher{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}
