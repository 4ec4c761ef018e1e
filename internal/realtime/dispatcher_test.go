package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type staticAuthorizer struct {
	members map[string]bool
	err     error
}

func (a staticAuthorizer) CanJoin(_ context.Context, roomID, userID string) (bool, error) {
	if a.err != nil {
		return false, a.err
	}
	return a.members[roomID+"/"+userID], nil
}

func newTestDispatcher(t *testing.T, authorizer RoomAuthorizer, relay Relay) (*Dispatcher, *SessionRegistry, *RoomRouter) {
	t.Helper()
	registry := NewSessionRegistry()
	router := NewRoomRouter(RouterConfig{})
	cfg := DispatcherConfig{
		Registry:   registry,
		Router:     router,
		IDProvider: &sequentialIDs{},
		Authorizer: authorizer,
	}
	if relay != nil {
		cfg.Relay = relay
	}
	dispatcher, err := NewDispatcher(cfg)
	if err != nil {
		t.Fatalf("failed to build dispatcher: %v", err)
	}
	return dispatcher, registry, router
}

func mustHandle(t *testing.T, dispatcher *Dispatcher, connectionID, raw string) {
	t.Helper()
	if err := dispatcher.HandleRaw(context.Background(), connectionID, []byte(raw)); err != nil {
		t.Fatalf("unexpected error handling %s: %v", raw, err)
	}
}

func TestDispatcherChatScenarioIncludesSender(t *testing.T) {
	dispatcher, _, _ := newTestDispatcher(t, nil, nil)
	streamA, err := dispatcher.Connect("conn-a", "")
	if err != nil {
		t.Fatalf("connect a: %v", err)
	}
	streamB, err := dispatcher.Connect("conn-b", "")
	if err != nil {
		t.Fatalf("connect b: %v", err)
	}

	mustHandle(t, dispatcher, "conn-a", `{"event":"joinRoom","data":{"groupId":"g1","userId":"A"}}`)
	mustHandle(t, dispatcher, "conn-b", `{"event":"joinRoom","data":{"groupId":"g1","userId":"B"}}`)
	mustHandle(t, dispatcher, "conn-a", `{"event":"sendMessage","data":{"groupId":"g1","message":"hi","username":"A"}}`)

	for _, stream := range []<-chan ChatMessage{streamA, streamB} {
		message := receive(t, stream)
		if message.Type != MessageTypeText || message.User != "A" || message.Text != "hi" || message.ID == "" {
			t.Fatalf("unexpected message: %#v", message)
		}
	}
}

func TestDispatcherCoercesNumericIdentifiers(t *testing.T) {
	dispatcher, registry, router := newTestDispatcher(t, nil, nil)
	if _, err := dispatcher.Connect("conn-1", ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	mustHandle(t, dispatcher, "conn-1", `{"event":"joinRoom","data":{"groupId":12,"userId":34}}`)

	if connectionID, ok := registry.Lookup("34"); !ok || connectionID != "conn-1" {
		t.Fatalf("expected numeric user id to be registered as string, got %q ok=%v", connectionID, ok)
	}
	if router.RoomSize("12") != 1 {
		t.Fatalf("expected numeric group id to map to room \"12\"")
	}
}

func TestDispatcherSendAssignmentsDeliversPrivately(t *testing.T) {
	dispatcher, _, _ := newTestDispatcher(t, nil, nil)
	aliceStream, _ := dispatcher.Connect("conn-alice", "")
	bobStream, _ := dispatcher.Connect("conn-bob", "")
	mustHandle(t, dispatcher, "conn-alice", `{"event":"joinRoom","data":{"groupId":"g1","userId":"1"}}`)
	mustHandle(t, dispatcher, "conn-bob", `{"event":"joinRoom","data":{"groupId":"g1","userId":"2"}}`)

	mustHandle(t, dispatcher, "conn-alice", `{"event":"sendAssignments","data":{"groupId":"g1","username":"alice","assignments":{"2":[{"item":"Coke","price":2.5}],"3":[{"item":"Fries","price":4}]}}}`)

	notice := receive(t, bobStream)
	if notice.Type != MessageTypeAssignmentNotice || notice.FromUser != "alice" {
		t.Fatalf("unexpected notice: %#v", notice)
	}
	if len(notice.Items) != 1 || notice.Items[0].Item != "Coke" || notice.Items[0].Price != 2.5 {
		t.Fatalf("unexpected items: %#v", notice.Items)
	}
	expectSilence(t, aliceStream)
}

func TestDispatcherDisconnectRemovesRegistration(t *testing.T) {
	dispatcher, registry, router := newTestDispatcher(t, nil, nil)
	dispatcher.Connect("conn-1", "")
	dispatcher.Connect("conn-2", "")
	mustHandle(t, dispatcher, "conn-1", `{"event":"joinRoom","data":{"groupId":"g1","userId":"1"}}`)
	mustHandle(t, dispatcher, "conn-2", `{"event":"joinRoom","data":{"groupId":"g1","userId":"2"}}`)

	dispatcher.Disconnect("conn-1")

	if _, ok := registry.Lookup("1"); ok {
		t.Fatalf("expected user 1 to be unregistered")
	}
	if _, ok := registry.Lookup("2"); !ok {
		t.Fatalf("expected user 2 to stay registered")
	}
	if router.RoomSize("g1") != 1 {
		t.Fatalf("expected one member left in g1, got %d", router.RoomSize("g1"))
	}
}

func TestDispatcherRejectsMalformedEvents(t *testing.T) {
	dispatcher, registry, _ := newTestDispatcher(t, nil, nil)
	dispatcher.Connect("conn-1", "")

	cases := map[string]string{
		"invalid json":        `{"event":`,
		"missing event":       `{"data":{}}`,
		"unknown event":       `{"event":"dance","data":{}}`,
		"missing payload":     `{"event":"joinRoom"}`,
		"missing group":       `{"event":"joinRoom","data":{"userId":"1"}}`,
		"missing user":        `{"event":"joinRoom","data":{"groupId":"g1"}}`,
		"boolean group":       `{"event":"joinRoom","data":{"groupId":true,"userId":"1"}}`,
		"message no group":    `{"event":"sendMessage","data":{"message":"hi","username":"a"}}`,
		"message no username": `{"event":"sendMessage","data":{"groupId":"g1","message":"hi"}}`,
		"negative price":      `{"event":"sendAssignments","data":{"groupId":"g1","username":"a","assignments":{"1":[{"item":"x","price":-1}]}}}`,
		"assign no username":  `{"event":"sendAssignments","data":{"groupId":"g1","assignments":{}}}`,
	}
	for name, raw := range cases {
		err := dispatcher.HandleRaw(context.Background(), "conn-1", []byte(raw))
		if !errors.Is(err, ErrMalformedEvent) {
			t.Fatalf("%s: expected ErrMalformedEvent, got %v", name, err)
		}
	}
	if registry.Len() != 0 {
		t.Fatalf("expected malformed joins to leave registry empty")
	}
}

func TestDispatcherUsesAuthenticatedSubject(t *testing.T) {
	dispatcher, registry, _ := newTestDispatcher(t, nil, nil)
	dispatcher.Connect("conn-1", "42")

	mustHandle(t, dispatcher, "conn-1", `{"event":"joinRoom","data":{"groupId":"g1"}}`)
	if connectionID, ok := registry.Lookup("42"); !ok || connectionID != "conn-1" {
		t.Fatalf("expected subject 42 to be registered, got %q ok=%v", connectionID, ok)
	}

	err := dispatcher.HandleRaw(context.Background(), "conn-1", []byte(`{"event":"joinRoom","data":{"groupId":"g1","userId":"7"}}`))
	if !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected identity mismatch to be malformed, got %v", err)
	}
	if _, ok := registry.Lookup("7"); ok {
		t.Fatalf("did not expect an impersonated user to be registered")
	}
}

func TestDispatcherEnforcesRoomAuthorizer(t *testing.T) {
	authorizer := staticAuthorizer{members: map[string]bool{"g1/1": true}}
	dispatcher, registry, router := newTestDispatcher(t, authorizer, nil)
	dispatcher.Connect("conn-1", "1")
	dispatcher.Connect("conn-2", "2")

	mustHandle(t, dispatcher, "conn-1", `{"event":"joinRoom","data":{"groupId":"g1","userId":"1"}}`)
	err := dispatcher.HandleRaw(context.Background(), "conn-2", []byte(`{"event":"joinRoom","data":{"groupId":"g1","userId":"2"}}`))
	if !errors.Is(err, ErrNotRoomMember) {
		t.Fatalf("expected ErrNotRoomMember, got %v", err)
	}
	if router.RoomSize("g1") != 1 {
		t.Fatalf("expected only the member in g1")
	}
	if _, ok := registry.Lookup("2"); ok {
		t.Fatalf("did not expect rejected user to be registered")
	}
}

func TestDispatcherExplicitDisconnectEvent(t *testing.T) {
	dispatcher, _, _ := newTestDispatcher(t, nil, nil)
	dispatcher.Connect("conn-1", "")
	err := dispatcher.HandleRaw(context.Background(), "conn-1", []byte(`{"event":"disconnect"}`))
	if !errors.Is(err, ErrCloseRequested) {
		t.Fatalf("expected ErrCloseRequested, got %v", err)
	}
}

func TestDispatcherRelaysRoomMessages(t *testing.T) {
	relay := &recordingRelay{}
	dispatcher, _, _ := newTestDispatcher(t, nil, relay)
	dispatcher.Connect("conn-1", "")
	mustHandle(t, dispatcher, "conn-1", `{"event":"sendMessage","data":{"groupId":"g1","message":"hi","username":"a"}}`)
	if len(relay.broadcasts) != 1 || relay.broadcasts[0] != "g1" {
		t.Fatalf("expected room message to be relayed, got %v", relay.broadcasts)
	}
}

func TestDispatcherSkipsOfflineRelay(t *testing.T) {
	relay := &recordingRelay{offline: true}
	dispatcher, _, _ := newTestDispatcher(t, nil, relay)
	dispatcher.Connect("conn-1", "")
	for range 3 {
		mustHandle(t, dispatcher, "conn-1", `{"event":"sendMessage","data":{"groupId":"g1","message":"hi","username":"a"}}`)
	}
	if len(relay.broadcasts) != 0 {
		t.Fatalf("expected no publish through an offline relay, got %v", relay.broadcasts)
	}
}

func TestDispatcherDeliverToUser(t *testing.T) {
	dispatcher, _, _ := newTestDispatcher(t, nil, nil)
	stream, _ := dispatcher.Connect("conn-1", "")
	mustHandle(t, dispatcher, "conn-1", `{"event":"joinRoom","data":{"groupId":"g1","userId":"5"}}`)

	if !dispatcher.DeliverToUser("5", NewAssignmentNotice("n-1", "bob", nil)) {
		t.Fatalf("expected local delivery to succeed")
	}
	if dispatcher.DeliverToUser("6", NewAssignmentNotice("n-2", "bob", nil)) {
		t.Fatalf("expected delivery to an absent user to fail")
	}
	if message := receive(t, stream); message.ID != "n-1" {
		t.Fatalf("unexpected message %#v", message)
	}
}

func TestChatMessageWireShapes(t *testing.T) {
	text, err := json.Marshal(NewOutboundEnvelope(NewTextMessage("m-1", "A", "hi")))
	if err != nil {
		t.Fatalf("marshal text: %v", err)
	}
	if string(text) != `{"event":"message","data":{"type":"text","user":"A","text":"hi","id":"m-1"}}` {
		t.Fatalf("unexpected text wire form: %s", text)
	}

	notice, err := json.Marshal(NewAssignmentNotice("assign-1-2", "alice", nil))
	if err != nil {
		t.Fatalf("marshal notice: %v", err)
	}
	if string(notice) != `{"type":"assignmentNotice","fromUser":"alice","items":[],"id":"assign-1-2"}` {
		t.Fatalf("unexpected notice wire form: %s", notice)
	}

	var decoded ChatMessage
	if err := json.Unmarshal([]byte(`{"type":"assignmentNotice","fromUser":"a","items":[{"item":"x","price":1.25}],"id":"n"}`), &decoded); err != nil {
		t.Fatalf("unmarshal notice: %v", err)
	}
	if decoded.Type != MessageTypeAssignmentNotice || len(decoded.Items) != 1 || decoded.Items[0].Price != 1.25 {
		t.Fatalf("unexpected decoded notice: %#v", decoded)
	}
	if err := json.Unmarshal([]byte(`{"type":"shout"}`), &decoded); err == nil {
		t.Fatalf("expected unknown message type to fail")
	}
}
