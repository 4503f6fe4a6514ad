package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"roomsync/internal/models"
	"roomsync/internal/providers"
)

type RoomProviderMock struct {
	mock.Mock
}

var _ providers.RoomProvider = (*RoomProviderMock)(nil)

func (m *RoomProviderMock) GetRoom(ctx context.Context, roomID string) (models.Room, error) {
	args := m.Called(ctx, roomID)
	var room models.Room
	if val := args.Get(0); val != nil {
		room = val.(models.Room)
	}
	return room, args.Error(1)
}

func (m *RoomProviderMock) GetParticipants(ctx context.Context, roomID string) ([]models.Participant, error) {
	args := m.Called(ctx, roomID)
	var list []models.Participant
	if val := args.Get(0); val != nil {
		list = val.([]models.Participant)
	}
	return list, args.Error(1)
}

func (m *RoomProviderMock) CloseRoom(ctx context.Context, roomID string) error {
	args := m.Called(ctx, roomID)
	return args.Error(0)
}

type BlockedUsersProviderMock struct {
	mock.Mock
}

var _ providers.BlockedUsersProvider = (*BlockedUsersProviderMock)(nil)

func (m *BlockedUsersProviderMock) GetBlockedUsers(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	var ids []string
	if val := args.Get(0); val != nil {
		ids = val.([]string)
	}
	return ids, args.Error(1)
}

func (m *BlockedUsersProviderMock) BlockUser(ctx context.Context, userID string) error {
	args := m.Called(ctx, userID)
	return args.Error(0)
}

type ReportClientMock struct {
	mock.Mock
}

var _ providers.ReportClient = (*ReportClientMock)(nil)

func (m *ReportClientMock) SubmitMessageReport(ctx context.Context, roomID, messageID, reason string) error {
	args := m.Called(ctx, roomID, messageID, reason)
	return args.Error(0)
}

func (m *ReportClientMock) SubmitRoomReport(ctx context.Context, roomID, reason string) error {
	args := m.Called(ctx, roomID, reason)
	return args.Error(0)
}
