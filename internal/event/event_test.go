package event

import (
	"testing"
	"time"

	"partnerlink/internal/model"
)

func TestForRecipient_Actionable(t *testing.T) {
	tests := []struct {
		name        string
		eventType   Type
		actorID     int64
		recipientID int64
		want        bool
	}{
		{"request for counterparty", TypePartnershipRequest, 1, 2, true},
		{"request echoed to initiator", TypePartnershipRequest, 1, 1, false},
		{"proposal for counterparty", TypeCouponProposal, 2, 1, true},
		{"proposal echoed to initiator", TypeCouponProposal, 2, 2, false},
		{"system event", TypeCouponsIssued, 0, 1, false},
		{"plain message", TypeMessage, 1, 2, false},
		{"status change", TypeRequestAccepted, 2, 1, false},
		{"decision", TypeProposalAccepted, 1, 2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := Envelope{Type: tt.eventType, RoomID: "room-1", ActorID: tt.actorID}
			got := ForRecipient(ev, tt.recipientID)
			if got.Actionable != tt.want {
				t.Errorf("ForRecipient(%s, actor=%d, recipient=%d).Actionable = %v, want %v",
					tt.eventType, tt.actorID, tt.recipientID, got.Actionable, tt.want)
			}
		})
	}
}

func TestNewAndDecode(t *testing.T) {
	sender := int64(1)
	msg := model.Message{
		ID:             7,
		RoomID:         "room-1",
		SenderID:       &sender,
		Type:           model.MessageTypeText,
		Content:        "hello",
		DeliveryStatus: model.DeliveryStatusSent,
		SentAt:         time.Now(),
	}

	ev, err := New(TypeMessage, msg.RoomID, sender, MessageOf(msg))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if ev.Type != TypeMessage || ev.RoomID != "room-1" || ev.ActorID != sender {
		t.Errorf("unexpected envelope header: %+v", ev)
	}
	if ev.SentAt.IsZero() {
		t.Error("envelope must carry a timestamp")
	}

	var payload MessagePayload
	if err := ev.Decode(&payload); err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if payload.MessageID != msg.ID || payload.Content != msg.Content {
		t.Errorf("Decode() = %+v, want message %d with content %q", payload, msg.ID, msg.Content)
	}
	if payload.SenderID == nil || *payload.SenderID != sender {
		t.Errorf("Decode() sender = %v, want %d", payload.SenderID, sender)
	}
}

func TestDecode_Malformed(t *testing.T) {
	ev := Envelope{Type: TypeMessage, Payload: []byte("{not json")}

	var payload MessagePayload
	if err := ev.Decode(&payload); err == nil {
		t.Error("Decode() of malformed payload must fail")
	}
}
