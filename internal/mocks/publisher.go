package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"roomsync/internal/observability"
)

type PublisherMock struct {
	mock.Mock
}

var _ observability.Publisher = (*PublisherMock)(nil)

func (m *PublisherMock) PublishJSON(ctx context.Context, routingKey string, message interface{}, headers map[string]string) error {
	args := m.Called(ctx, routingKey, message, headers)
	return args.Error(0)
}

func (m *PublisherMock) Close() error {
	args := m.Called()
	return args.Error(0)
}
