package hub

import (
	"errors"
	"reflect"
	"testing"
)

func TestRoomsJoinRequiresAuthentication(t *testing.T) {
	registry := NewRegistry()
	rooms := NewRooms(registry)
	conn := registry.Open()

	if _, _, err := rooms.Join("stream-1", conn.ID); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestRoomsJoinAndRejoin(t *testing.T) {
	registry := NewRegistry()
	rooms := NewRooms(registry)
	connID := openAuthenticated(t, registry, "user-1", "alice")

	count, added, err := rooms.Join("stream-1", connID)
	if err != nil || !added || count != 1 {
		t.Fatalf("join returned (%d, %v, %v), want (1, true, nil)", count, added, err)
	}

	count, added, err = rooms.Join("stream-1", connID)
	if err != nil || added || count != 1 {
		t.Fatalf("rejoin returned (%d, %v, %v), want (1, false, nil)", count, added, err)
	}
	if !rooms.Contains("stream-1", connID) {
		t.Fatal("connection should be a room member")
	}
}

func TestRoomsLeave(t *testing.T) {
	registry := NewRegistry()
	rooms := NewRooms(registry)
	a := openAuthenticated(t, registry, "user-1", "alice")
	b := openAuthenticated(t, registry, "user-2", "bob")
	if _, _, err := rooms.Join("stream-1", a); err != nil {
		t.Fatal(err)
	}
	if _, _, err := rooms.Join("stream-1", b); err != nil {
		t.Fatal(err)
	}

	count, removed := rooms.Leave("stream-1", a)
	if !removed || count != 1 {
		t.Fatalf("leave returned (%d, %v), want (1, true)", count, removed)
	}

	count, removed = rooms.Leave("stream-1", a)
	if removed {
		t.Fatalf("second leave reported removed with count %d", count)
	}
	if rooms.Count("stream-1") != 1 {
		t.Fatalf("room count is %d, want 1", rooms.Count("stream-1"))
	}
}

func TestRoomsEvictConnection(t *testing.T) {
	registry := NewRegistry()
	rooms := NewRooms(registry)
	a := openAuthenticated(t, registry, "user-1", "alice")
	b := openAuthenticated(t, registry, "user-2", "bob")
	for _, stream := range []string{"stream-b", "stream-a"} {
		if _, _, err := rooms.Join(stream, a); err != nil {
			t.Fatal(err)
		}
	}
	if _, _, err := rooms.Join("stream-a", b); err != nil {
		t.Fatal(err)
	}

	affected := rooms.EvictConnection(a)
	want := []RoomCount{
		{StreamID: "stream-a", ViewerCount: 1},
		{StreamID: "stream-b", ViewerCount: 0},
	}
	if !reflect.DeepEqual(affected, want) {
		t.Fatalf("evict returned %v, want %v", affected, want)
	}
	if rooms.Contains("stream-a", a) || rooms.Contains("stream-b", a) {
		t.Fatal("evicted connection still a member")
	}
	if rooms.EvictConnection(a) != nil {
		t.Fatal("second evict should report no affected rooms")
	}
}

func TestRoomsMembersOfCollapsesUsers(t *testing.T) {
	registry := NewRegistry()
	rooms := NewRooms(registry)
	phone := openAuthenticated(t, registry, "user-1", "alice")
	laptop := openAuthenticated(t, registry, "user-1", "alice")
	other := openAuthenticated(t, registry, "user-2", "bob")
	for _, connID := range []string{phone, laptop, other} {
		if _, _, err := rooms.Join("stream-1", connID); err != nil {
			t.Fatal(err)
		}
	}

	if rooms.Count("stream-1") != 3 {
		t.Fatalf("connection count is %d, want 3", rooms.Count("stream-1"))
	}
	members := rooms.MembersOf("stream-1")
	if !reflect.DeepEqual(members, []string{"user-1", "user-2"}) {
		t.Fatalf("members are %v, want [user-1 user-2]", members)
	}
}
