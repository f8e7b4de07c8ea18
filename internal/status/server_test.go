package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smallsteps/notify/internal/hub"
	"github.com/smallsteps/notify/internal/notifications"
	"github.com/smallsteps/notify/internal/state"
	"github.com/smallsteps/notify/internal/storage"
)

type fixedConnection struct {
	state hub.ConnectionState
}

func (f fixedConnection) State() hub.ConnectionState { return f.state }

type fakeInbox struct {
	markedIDs []int64
	markedAll int
	rows      []storage.CachedNotification
}

func (f *fakeInbox) MarkRead(_ context.Context, id int64) error {
	f.markedIDs = append(f.markedIDs, id)
	return nil
}

func (f *fakeInbox) MarkAllRead(context.Context) error {
	f.markedAll++
	return nil
}

func (f *fakeInbox) Recent(context.Context, int) ([]storage.CachedNotification, error) {
	return f.rows, nil
}

func testServer(conn Connection, counts *state.Store, inbox Inbox) *Server {
	return NewServer(Config{Address: "127.0.0.1:0", Metrics: true}, conn, counts, inbox)
}

func doRequest(t *testing.T, server *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	server := testServer(fixedConnection{state: hub.Connected}, state.NewStore(), &fakeInbox{})

	rec := doRequest(t, server, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusReportsConnectionAndCounts(t *testing.T) {
	counts := state.NewStore()
	counts.ApplyServerCount(4)
	counts.ApplyMessageCount(2)
	counts.RecordLatest(notifications.Notification{ID: 9, Type: "Fee", Title: "Fee due"})

	server := testServer(fixedConnection{state: hub.Reconnecting}, counts, &fakeInbox{})
	rec := doRequest(t, server, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Success bool `json:"success"`
		Data    struct {
			Connection         string `json:"connection"`
			NotificationUnread int    `json:"notificationUnread"`
			MessageUnread      int    `json:"messageUnread"`
			Latest             *struct {
				ID   int64  `json:"id"`
				Type string `json:"type"`
			} `json:"latest"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.True(t, body.Success)
	require.Equal(t, "reconnecting", body.Data.Connection)
	require.Equal(t, 4, body.Data.NotificationUnread)
	require.Equal(t, 2, body.Data.MessageUnread)
	require.NotNil(t, body.Data.Latest)
	require.Equal(t, int64(9), body.Data.Latest.ID)
	require.Equal(t, "fee", body.Data.Latest.Type)
}

func TestRecentNotifications(t *testing.T) {
	inbox := &fakeInbox{rows: []storage.CachedNotification{{ID: 1, Title: "a"}, {ID: 2, Title: "b"}}}
	server := testServer(fixedConnection{state: hub.Connected}, state.NewStore(), inbox)

	rec := doRequest(t, server, http.MethodGet, "/api/notifications?limit=10")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data []storage.CachedNotification `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Data, 2)
}

func TestRecentRejectsBadLimit(t *testing.T) {
	server := testServer(fixedConnection{state: hub.Connected}, state.NewStore(), &fakeInbox{})

	rec := doRequest(t, server, http.MethodGet, "/api/notifications?limit=abc")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMarkRead(t *testing.T) {
	inbox := &fakeInbox{}
	server := testServer(fixedConnection{state: hub.Connected}, state.NewStore(), inbox)

	rec := doRequest(t, server, http.MethodPost, "/api/notifications/42/read")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []int64{42}, inbox.markedIDs)
}

func TestMarkReadRejectsBadID(t *testing.T) {
	inbox := &fakeInbox{}
	server := testServer(fixedConnection{state: hub.Connected}, state.NewStore(), inbox)

	rec := doRequest(t, server, http.MethodPost, "/api/notifications/nope/read")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, inbox.markedIDs)
}

func TestMarkAllRead(t *testing.T) {
	inbox := &fakeInbox{}
	server := testServer(fixedConnection{state: hub.Connected}, state.NewStore(), inbox)

	rec := doRequest(t, server, http.MethodPost, "/api/notifications/read-all")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, inbox.markedAll)
}

func TestMetricsExposed(t *testing.T) {
	server := testServer(fixedConnection{state: hub.Connected}, state.NewStore(), &fakeInbox{})

	rec := doRequest(t, server, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestNotificationRoutesAbsentWithoutInbox(t *testing.T) {
	server := testServer(fixedConnection{state: hub.Connected}, state.NewStore(), nil)

	rec := doRequest(t, server, http.MethodGet, "/api/notifications")
	require.Equal(t, http.StatusNotFound, rec.Code)
}
