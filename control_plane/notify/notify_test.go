package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itskum47/AutoPatch/control_plane/store"
)

var testServer = &store.Server{ID: "srv-1", Hostname: "web-01", IP: "10.0.0.5"}

type recorder struct {
	name   string
	err    error
	alerts []Alert
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Notify(ctx context.Context, alert Alert) error {
	r.alerts = append(r.alerts, alert)
	return r.err
}

type fakeConn struct {
	subject string
	data    []byte
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.subject = subject
	c.data = data
	return nil
}

func TestAlertMessages(t *testing.T) {
	at := time.Now()

	assert.Equal(t, "Security updates available on web-01 (10.0.0.5)", SecurityUpdates(testServer, at).Message)
	assert.Equal(t, "Server offline: web-01 (10.0.0.5)", ServerOffline(testServer, at).Message)

	failed := JobFailed(testServer, "job-1", at)
	assert.Equal(t, "Patch job failed on web-01 (10.0.0.5)", failed.Message)
	assert.Equal(t, "job-1", failed.JobID)
	assert.Equal(t, KindJobFailed, failed.Kind)
}

func TestMultiContinuesAfterFailure(t *testing.T) {
	broken := &recorder{name: "broken", err: errors.New("boom")}
	ok := &recorder{name: "ok"}
	m := NewMulti(zerolog.Nop(), broken, nil, NewTelegramNotifier("", ""), ok)

	assert.Equal(t, []string{"broken", "ok"}, m.Names())

	m.Send(context.Background(), ServerOffline(testServer, time.Now()))
	assert.Len(t, broken.alerts, 1)
	assert.Len(t, ok.alerts, 1)
}

func TestNATSNotifierPublishesEvent(t *testing.T) {
	conn := &fakeConn{}
	n := NewNATSNotifier(conn, "")

	require.NoError(t, n.Notify(context.Background(), SecurityUpdates(testServer, time.Now())))
	assert.Equal(t, "autopatch.alerts.security_updates", conn.subject)

	var event Event
	require.NoError(t, json.Unmarshal(conn.data, &event))
	assert.NotEmpty(t, event.ID)
	assert.Equal(t, "srv-1", event.Data.ServerID)
}

func TestTelegramNotifier(t *testing.T) {
	var gotPath, gotChat, gotText string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, r.ParseForm())
		gotChat = r.PostForm.Get("chat_id")
		gotText = r.PostForm.Get("text")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("bot-token", "42")
	n.baseURL = srv.URL

	require.NoError(t, n.Notify(context.Background(), ServerOffline(testServer, time.Now())))
	assert.Equal(t, "/botbot-token/sendMessage", gotPath)
	assert.Equal(t, "42", gotChat)
	assert.Equal(t, "Server offline: web-01 (10.0.0.5)", gotText)
}

func TestTelegramNotifierStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("bot-token", "42")
	n.baseURL = srv.URL

	err := n.Notify(context.Background(), ServerOffline(testServer, time.Now()))
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "bot-token")
}
