package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/events"
)

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", description)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func dialChannel(t *testing.T, harness *controlHarness, server *httptest.Server, name string) (*events.WebSocketBridge, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/channels/" + name
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return events.DialWebSocket(ctx, url, harness.token, nil)
}

func receiveEvent(t *testing.T, stream <-chan events.Event) events.Event {
	t.Helper()
	select {
	case event, ok := <-stream:
		if !ok {
			t.Fatalf("event stream closed")
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return events.Event{}
}

func TestChannelStreamsBusEventsAndAcceptsSyncRequests(t *testing.T) {
	harness := newControlHarness(t)
	server := httptest.NewServer(harness.handler)
	defer server.Close()

	client, err := dialChannel(t, harness, server, testChannel)
	if err != nil {
		t.Fatalf("failed to dial channel: %v", err)
	}
	defer client.Close()
	waitFor(t, "channel relay", func() bool {
		return harness.handler.ChannelCount() == 1 && harness.bus.SubscriberCount() == 1
	})

	harness.bus.Publish(events.Event{Type: events.TypeQueueUpdated, PendingCount: 3})
	outbound := receiveEvent(t, client.Receive())
	if outbound.Type != events.TypeQueueUpdated || outbound.PendingCount != 3 || outbound.Origin != "daemon" {
		t.Fatalf("unexpected outbound event %#v", outbound)
	}

	stream, cleanup := harness.bus.Subscribe(context.Background())
	defer cleanup()
	if err := client.Send(context.Background(), events.Event{Type: events.TypeMutationSynced, MutationID: 9}); err != nil {
		t.Fatalf("failed to send ignored event: %v", err)
	}
	if err := client.Send(context.Background(), events.Event{Type: events.TypeSyncRequested, Reason: "watch"}); err != nil {
		t.Fatalf("failed to send sync request: %v", err)
	}
	inbound := receiveEvent(t, stream)
	if inbound.Type != events.TypeSyncRequested || inbound.Reason != "watch" {
		t.Fatalf("expected only the sync request to reach the bus, got %#v", inbound)
	}
	if inbound.Origin != remoteOriginPrefix+testChannel {
		t.Fatalf("expected remote origin, got %q", inbound.Origin)
	}
}

func TestChannelRejectsUnknownName(t *testing.T) {
	harness := newControlHarness(t)
	server := httptest.NewServer(harness.handler)
	defer server.Close()

	if _, err := dialChannel(t, harness, server, "other"); err == nil {
		t.Fatalf("expected unknown channel to be refused")
	}
}

func TestHandlerCloseDisconnectsChannels(t *testing.T) {
	harness := newControlHarness(t)
	server := httptest.NewServer(harness.handler)
	defer server.Close()

	client, err := dialChannel(t, harness, server, testChannel)
	if err != nil {
		t.Fatalf("failed to dial channel: %v", err)
	}
	defer client.Close()
	waitFor(t, "channel registration", func() bool { return harness.handler.ChannelCount() == 1 })

	harness.handler.Close(context.Background())

	select {
	case _, ok := <-client.Receive():
		if ok {
			t.Fatalf("expected the stream to close without further events")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the client stream to close")
	}
	waitFor(t, "channel cleanup", func() bool { return harness.handler.ChannelCount() == 0 })
}
