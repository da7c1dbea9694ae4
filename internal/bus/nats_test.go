package bus

import "testing"

func TestSubject(t *testing.T) {
	if got := Subject("room-1"); got != "chat.room.room-1" {
		t.Errorf("Subject() = %q, want %q", got, "chat.room.room-1")
	}
}
