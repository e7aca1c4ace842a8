package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cctv-monitor/pkg/models"
)

func TestHubSubscribePublish(t *testing.T) {
	h := NewHub(nil)
	idA, a := h.Subscribe()
	idB, b := h.Subscribe()
	assert.NotEqual(t, idA, idB)
	assert.Equal(t, 2, h.Len())

	h.Publish(models.Notification{Type: models.NotifyVideoAttached, EventID: 7})

	for _, ch := range []<-chan models.Notification{a, b} {
		select {
		case n := <-ch:
			assert.Equal(t, models.NotifyVideoAttached, n.Type)
			assert.Equal(t, int64(7), n.EventID)
		case <-time.After(time.Second):
			t.Fatal("notification not delivered")
		}
	}
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub(nil)
	id, ch := h.Subscribe()
	h.Unsubscribe(id)
	h.Unsubscribe(id)

	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, h.Len())

	// Publishing with no subscribers is fine.
	h.Publish(models.Notification{Type: models.NotifyEventDeleted})
}

func TestHubPublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	h := NewHub(nil)
	_, slow := h.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < DefaultBuffer*3; i++ {
			h.Publish(models.Notification{Type: models.NotifyEventUpdated, EventID: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked")
	}
	assert.Len(t, slow, DefaultBuffer)
}

func TestWebhookSend(t *testing.T) {
	var got models.Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, nil)
	err := wh.Send(context.Background(), models.Notification{
		Type:      models.NotifyVideoAttached,
		EventID:   3,
		Camera:    "POD1",
		VideoPath: "/videos/2025/04/24/POD1_00_20250424153423.mp4",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.EventID)
	assert.Equal(t, "POD1", got.Camera)
}

func TestWebhookSendErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, nil)
	err := wh.Send(context.Background(), models.Notification{Type: models.NotifyEventCreated})
	assert.ErrorContains(t, err, "webhook returned 400")
}

func TestWebhookRunForwardsUntilCancelled(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := NewHub(nil)
	wh := NewWebhook(srv.URL, nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		wh.Run(ctx, h)
		close(stopped)
	}()

	require.Eventually(t, func() bool { return h.Len() == 1 }, time.Second, 10*time.Millisecond)
	h.Publish(models.Notification{Type: models.NotifyEventCreated, EventID: 1})
	h.Publish(models.Notification{Type: models.NotifyEventUpdated, EventID: 1})
	require.Eventually(t, func() bool { return hits.Load() == 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.Zero(t, h.Len())
}
