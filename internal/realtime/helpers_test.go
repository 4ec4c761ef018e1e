package realtime

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type sequentialIDs struct {
	mu   sync.Mutex
	next int
	err  error
}

func (s *sequentialIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.next++
	return fmt.Sprintf("id-%d", s.next), nil
}

var errIDsExhausted = errors.New("ids exhausted")

func mustConnect(t *testing.T, router *RoomRouter, connectionID string) <-chan ChatMessage {
	t.Helper()
	stream, err := router.Connect(connectionID)
	if err != nil {
		t.Fatalf("connect %s: %v", connectionID, err)
	}
	return stream
}

func mustJoin(t *testing.T, router *RoomRouter, connectionID, roomID string) {
	t.Helper()
	if err := router.Join(connectionID, roomID); err != nil {
		t.Fatalf("join %s to %s: %v", connectionID, roomID, err)
	}
}

func receive(t *testing.T, stream <-chan ChatMessage) ChatMessage {
	t.Helper()
	select {
	case message, ok := <-stream:
		if !ok {
			t.Fatalf("stream closed before a message arrived")
		}
		return message
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected a message within deadline")
	}
	return ChatMessage{}
}

func expectSilence(t *testing.T, stream <-chan ChatMessage) {
	t.Helper()
	select {
	case message, ok := <-stream:
		if ok {
			t.Fatalf("did not expect a message, received %#v", message)
		}
	default:
	}
}
