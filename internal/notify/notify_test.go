package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pillcloud/internal/models"
	"pillcloud/internal/notify"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (r *recorder) Send(_ context.Context, chatID, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, chatID+"|"+text)
	return r.err
}

func TestTelegram_Send(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tg := notify.NewTelegram(srv.URL+"/", "TOKEN", time.Second)
	require.NoError(t, tg.Send(context.Background(), "42", "<b>hi</b>"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "HTML", got["parse_mode"])
}

func TestTelegram_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	err := notify.NewTelegram(srv.URL, "TOKEN", time.Second).Send(context.Background(), "1", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
	assert.NotContains(t, err.Error(), "TOKEN")
}

func TestNotifier_ChatFallbackAndFailures(t *testing.T) {
	rec := &recorder{err: errors.New("boom")}
	n := notify.New(rec, "default-chat", time.Second)

	n.Device(&models.Device{Identity: "dev-1"}, "a")
	n.Device(&models.Device{Identity: "dev-2", ChatID: "own"}, "b")
	n.Wait()

	assert.ElementsMatch(t, []string{"default-chat|a", "own|b"}, rec.sent)
}

// gate держит отправки до release и запоминает пик одновременных.
type gate struct {
	release  chan struct{}
	inFlight atomic.Int32
	peak     atomic.Int32
	total    atomic.Int32
}

func (g *gate) Send(ctx context.Context, _, _ string) error {
	cur := g.inFlight.Add(1)
	for {
		p := g.peak.Load()
		if cur <= p || g.peak.CompareAndSwap(p, cur) {
			break
		}
	}
	select {
	case <-g.release:
	case <-ctx.Done():
	}
	g.inFlight.Add(-1)
	g.total.Add(1)
	return nil
}

func TestNotifier_BoundedConcurrency(t *testing.T) {
	g := &gate{release: make(chan struct{})}
	n := notify.New(g, "ops", 5*time.Second)
	n.SetConcurrency(2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			n.Device(&models.Device{Identity: "dev-1"}, "offline")
		}
	}()

	require.Eventually(t, func() bool { return g.inFlight.Load() == 2 }, time.Second, 5*time.Millisecond)
	select {
	case <-done:
		t.Fatal("Device must wait for a free slot")
	case <-time.After(50 * time.Millisecond):
	}

	close(g.release)
	<-done
	n.Wait()
	assert.Equal(t, int32(2), g.peak.Load())
	assert.Equal(t, int32(10), g.total.Load())
}

func TestNotifier_Disabled(t *testing.T) {
	n := notify.New(nil, "", time.Second)
	assert.False(t, n.Enabled())
	n.Device(&models.Device{Identity: "dev-1"}, "x")
	n.Wait()
	assert.ErrorIs(t, n.Test(context.Background(), "", "x"), notify.ErrDisabled)
}

func TestMessages_Escape(t *testing.T) {
	d := &models.Device{Identity: "dev-1", Name: "<Kitchen & Co>"}
	assert.Contains(t, notify.Alarm(d, "lid open"), "&lt;Kitchen &amp; Co&gt;")
	c := 3
	assert.Contains(t, notify.DoseMissed(d, &c, "08:00"), "compartment 3")
	assert.Contains(t, notify.Online(&models.Device{Identity: "aa:bb"}), "aa:bb")
}
