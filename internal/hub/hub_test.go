package hub

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/DoyleJ11/nhie-backend/internal/engine"
	"github.com/DoyleJ11/nhie-backend/internal/room"
)

func TestHub_Ensure_Get_SamePointer(t *testing.T) {
	h := NewHub(context.Background(), zaptest.NewLogger(t))
	defer func() { h.Inbox() <- ShutdownHub{} }()
	reply := make(chan *room.Room, 1)

	h.Inbox() <- GetRoom{LobbyID: "ZED123", Reply: reply}
	if rm := <-reply; rm != nil {
		t.Fatalf("expected no room before ensure")
	}

	h.Inbox() <- EnsureRoom{LobbyID: "ZED123", Reply: reply}
	rm1 := <-reply

	h.Inbox() <- GetRoom{LobbyID: "ZED123", Reply: reply}
	rm2 := <-reply

	if rm1 == nil || rm2 == nil || rm1 != rm2 {
		t.Fatalf("expected same room pointer")
	}
}

func TestHub_Publish_ReachesSubscribers(t *testing.T) {
	ctx := context.Background()
	h := NewHub(ctx, zaptest.NewLogger(t))
	defer func() { h.Inbox() <- ShutdownHub{} }()

	rm, err := h.Room(ctx, "ABC234")
	if err != nil {
		t.Fatalf("room: %v", err)
	}
	out := make(chan room.Snapshot, 4)
	rm.Inbox() <- room.Join{ClientID: "c1", Outbox: out}

	var pub engine.Publisher = h
	pub.Publish("ABC234", engine.Event{Type: engine.EvtAnswerCount, LobbyID: "ABC234", Answered: 2, Connected: 3})
	pub.Publish("OTHER9", engine.Event{Type: engine.EvtAnswerCount, LobbyID: "OTHER9"})

	select {
	case snap := <-out:
		if snap.Event.LobbyID != "ABC234" || snap.Event.Answered != 2 {
			t.Fatalf("unexpected snapshot %+v", snap)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("timed out waiting for published event")
	}

	select {
	case snap := <-out:
		t.Fatalf("event for another lobby leaked: %+v", snap)
	case <-time.After(50 * time.Millisecond):
	}

	// nobody watches OTHER9, so publishing there starts no room
	counts := make(chan int, 1)
	h.Inbox() <- CountRooms{Reply: counts}
	if n := <-counts; n != 1 {
		t.Fatalf("want 1 room, got %d", n)
	}
}

func TestHub_Publish_UnwatchedLobbiesStartNoRooms(t *testing.T) {
	ctx := context.Background()
	h := NewHub(ctx, zaptest.NewLogger(t))
	defer func() { h.Inbox() <- ShutdownHub{} }()

	for i := 0; i < 500; i++ {
		id := fmt.Sprintf("L%05d", i)
		h.Inbox() <- PublishEvent{LobbyID: id, Event: engine.Event{Type: engine.EvtGameOver, LobbyID: id, Reason: "max_rounds"}}
	}
	n, err := h.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("want 0 rooms, got %d", n)
	}
}

func waitRooms(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		n, err := h.Count(context.Background())
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if n == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("want %d rooms, still %d", want, n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHub_ReleasesRoomAfterGameOver(t *testing.T) {
	ctx := context.Background()
	h := NewHub(ctx, zaptest.NewLogger(t))
	defer func() { h.Inbox() <- ShutdownHub{} }()

	out := make(chan room.Snapshot, 8)
	rm, err := h.Join(ctx, "DONE44", "c1", out)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	h.Publish("DONE44", engine.Event{Type: engine.EvtRoundStarted, LobbyID: "DONE44", Round: &engine.RoundView{ID: "r1", Number: 1}})
	h.Publish("DONE44", engine.Event{Type: engine.EvtGameOver, LobbyID: "DONE44", Reason: "max_rounds"})

	for _, want := range []engine.EventType{engine.EvtRoundStarted, engine.EvtGameOver} {
		select {
		case snap := <-out:
			if snap.Event.Type != want {
				t.Fatalf("want %s, got %+v", want, snap.Event)
			}
		case <-time.After(200 * time.Millisecond):
			t.Fatalf("timed out waiting for %s", want)
		}
	}

	// still watched: the room stays for the final state
	if n, _ := h.Count(ctx); n != 1 {
		t.Fatalf("want 1 room while watched, got %d", n)
	}
	if watching, _ := h.Watching(ctx, "DONE44"); watching != 1 {
		t.Fatalf("want 1 watcher, got %d", watching)
	}

	rm.Send(room.Leave{ClientID: "c1"})
	select {
	case <-rm.Done():
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("finished room not released after last leave")
	}
	waitRooms(t, h, 0)
	if watching, err := h.Watching(ctx, "DONE44"); err != nil || watching != 0 {
		t.Fatalf("want no watchers, got %d (%v)", watching, err)
	}
}

func TestHub_ReleasesIdleRoom(t *testing.T) {
	ctx := context.Background()
	h := NewHub(ctx, zaptest.NewLogger(t), WithRoomIdle(30*time.Millisecond))
	defer func() { h.Inbox() <- ShutdownHub{} }()

	rm, err := h.Room(ctx, "IDLE55")
	if err != nil {
		t.Fatalf("room: %v", err)
	}
	select {
	case <-rm.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("empty room not released")
	}
	waitRooms(t, h, 0)
}

func TestHub_Join_ReplacesStoppedRoom(t *testing.T) {
	ctx := context.Background()
	h := NewHub(ctx, zaptest.NewLogger(t))
	defer func() { h.Inbox() <- ShutdownHub{} }()

	old, err := h.Room(ctx, "SWAP66")
	if err != nil {
		t.Fatalf("room: %v", err)
	}
	old.Send(room.Shutdown{})
	<-old.Done()

	out := make(chan room.Snapshot, 1)
	rm, err := h.Join(ctx, "SWAP66", "c1", out)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if rm == old {
		t.Fatalf("joined a stopped room")
	}

	// a late release from the old room leaves the new one alone
	h.Inbox() <- RemoveRoom{LobbyID: "SWAP66", Room: old}
	if n, _ := h.Count(ctx); n != 1 {
		t.Fatalf("want 1 room, got %d", n)
	}
	select {
	case <-rm.Done():
		t.Fatalf("stale release stopped the new room")
	default:
	}
}

func TestHub_RemoveRoom_StopsRoom(t *testing.T) {
	ctx := context.Background()
	h := NewHub(ctx, zaptest.NewLogger(t))
	defer func() { h.Inbox() <- ShutdownHub{} }()

	rm, err := h.Room(ctx, "GONE22")
	if err != nil {
		t.Fatalf("room: %v", err)
	}
	h.Inbox() <- RemoveRoom{LobbyID: "GONE22"}

	select {
	case <-rm.Done():
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("room not stopped after remove")
	}

	next, err := h.Room(ctx, "GONE22")
	if err != nil {
		t.Fatalf("room: %v", err)
	}
	if next == rm {
		t.Fatalf("expected a fresh room after removal")
	}
}

func TestHub_Shutdown_StopsRooms(t *testing.T) {
	ctx := context.Background()
	h := NewHub(ctx, zaptest.NewLogger(t))

	rm, err := h.Room(ctx, "STOP33")
	if err != nil {
		t.Fatalf("room: %v", err)
	}
	h.Inbox() <- ShutdownHub{}

	select {
	case <-h.Done():
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("hub not stopped")
	}
	select {
	case <-rm.Done():
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("room not stopped with hub")
	}

	// publishing after shutdown must not block
	h.Publish("STOP33", engine.Event{Type: engine.EvtLobbyState})
	if _, err := h.Room(ctx, "STOP33"); err != ErrStopped {
		t.Fatalf("want ErrStopped from stopped hub, got %v", err)
	}
	if _, err := h.Count(ctx); err != ErrStopped {
		t.Fatalf("want ErrStopped from count, got %v", err)
	}
}
