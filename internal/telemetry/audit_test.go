package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/mock"

	"roomsync/internal/mocks"
)

func TestEmitPublishesEnvelope(t *testing.T) {
	publisher := &mocks.PublisherMock{}
	publisher.On("PublishJSON", mock.Anything, "audit.roomsync", mock.MatchedBy(func(event any) bool {
		envelope, ok := event.(AuditEnvelope)
		return ok &&
			envelope.SchemaVersion == 1 &&
			envelope.EventType == "audit_log" &&
			envelope.Service == "roomsync" &&
			envelope.Environment == "test" &&
			envelope.SessionID == "room-1" &&
			envelope.Payload.Level == "info" &&
			envelope.Payload.Text == "user blocked"
	}), mock.Anything).Return(nil)

	emitter := NewAuditEmitter(publisher, "audit.roomsync", "roomsync", "test")
	userID := "u-2"
	emitter.Emit(context.Background(), "info", "user blocked", "room-1", &userID)

	publisher.AssertExpectations(t)
}

func TestNilEmitterIsNoop(t *testing.T) {
	var emitter *AuditEmitter
	emitter.Emit(context.Background(), "info", "ignored", "room-1", nil)
}
