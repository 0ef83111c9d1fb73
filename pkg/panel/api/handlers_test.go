package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwapi "github.com/openkiosk/lockerd/pkg/gateway/api"
	"github.com/openkiosk/lockerd/pkg/locker"
	"github.com/openkiosk/lockerd/pkg/queue"
	"github.com/openkiosk/lockerd/pkg/store"
)

const testKiosk = "room-1"

type panelFixture struct {
	router  http.Handler
	store   *store.Store
	queue   *queue.Queue
	manager *locker.Manager
}

func newPanelFixture(t *testing.T) *panelFixture {
	t.Helper()
	s, err := store.Open(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	_, err = s.ProvisionLockers(ctx, testKiosk, 8)
	require.NoError(t, err)

	q := queue.New(s, queue.Config{})
	m := locker.NewManager(s, locker.Config{ReservationWindow: 90 * time.Second})
	auth := &gwapi.StaticTokenAuthenticator{Token: "secret"}

	config := APIConfig{DuplicateWindow: 2 * time.Second}
	return &panelFixture{
		router:  NewRouter(s, q, m, auth, config),
		store:   s,
		queue:   q,
		manager: m,
	}
}

func (f *panelFixture) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer secret")

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestPanelAuth(t *testing.T) {
	f := newPanelFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/lockers/room-1", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Health does not require a token.
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOpenLocker(t *testing.T) {
	f := newPanelFixture(t)

	body := map[string]any{"staff_user": "alice", "reason": "inspection"}
	rec := f.do(http.MethodPost, "/api/lockers/room-1/4/open", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var result queue.EnqueueResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "accepted", result.Status)
	assert.NotEmpty(t, result.CommandID)

	// The double-click lands inside the duplicate window and resolves to
	// the first command.
	rec = f.do(http.MethodPost, "/api/lockers/room-1/4/open", body)
	require.Equal(t, http.StatusConflict, rec.Code)
	var dup map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dup))
	assert.Equal(t, "duplicate", dup["status"])
	assert.Equal(t, result.CommandID, dup["command_id"])

	// A different locker is not deduplicated.
	rec = f.do(http.MethodPost, "/api/lockers/room-1/5/open", body)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestOpenLockerValidation(t *testing.T) {
	f := newPanelFixture(t)

	rec := f.do(http.MethodPost, "/api/lockers/room-1/0/open",
		map[string]any{"staff_user": "alice", "reason": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/lockers/room-1/4/open",
		map[string]any{"staff_user": "alice"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "reason is required")
}

func TestBulkOpenDefaultsExcludeVIP(t *testing.T) {
	f := newPanelFixture(t)

	rec := f.do(http.MethodPost, "/api/lockers/bulk-open", map[string]any{
		"kiosk_id":   testKiosk,
		"locker_ids": []int{1, 2, 3},
		"staff_user": "alice",
		"reason":     "end of day",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var result queue.EnqueueResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))

	cmd, err := f.queue.Status(context.Background(), result.CommandID)
	require.NoError(t, err)
	var payload store.CommandPayload
	require.NoError(t, json.Unmarshal([]byte(cmd.Payload), &payload))
	assert.True(t, payload.ExcludeVIP, "VIP exclusion must default on")
	assert.Equal(t, []int{1, 2, 3}, payload.LockerIDs)

	rec = f.do(http.MethodPost, "/api/lockers/bulk-open", map[string]any{
		"kiosk_id":   testKiosk,
		"staff_user": "alice",
		"reason":     "end of day",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "locker_ids is required")
}

func TestBlockUnblockRoutes(t *testing.T) {
	f := newPanelFixture(t)

	rec := f.do(http.MethodPost, "/api/lockers/room-1/2/block",
		map[string]any{"staff_user": "alice", "reason": "jammed"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	cmds, err := f.queue.ListPending(context.Background(), testKiosk, 10)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, store.CommandBlock, cmds[0].Type)

	rec = f.do(http.MethodPost, "/api/lockers/room-1/2/unblock",
		map[string]any{"staff_user": "alice"})
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestGetCommand(t *testing.T) {
	f := newPanelFixture(t)

	rec := f.do(http.MethodPost, "/api/lockers/room-1/4/open",
		map[string]any{"staff_user": "alice", "reason": "inspection"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var result queue.EnqueueResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))

	rec = f.do(http.MethodGet, "/api/lockers/commands/"+result.CommandID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view queue.CommandView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "pending", view.Status)

	rec = f.do(http.MethodGet, "/api/lockers/commands/no-such", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"code":"not_found","message":"Command not found"}`, rec.Body.String())
}

func TestListLockersAndEvents(t *testing.T) {
	f := newPanelFixture(t)

	rec := f.do(http.MethodGet, "/api/lockers/room-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var lockers []*store.Locker
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lockers))
	assert.Len(t, lockers, 8)

	_, err := f.manager.Block(context.Background(), testKiosk, 1, "alice", "jammed")
	require.NoError(t, err)

	rec = f.do(http.MethodGet, "/api/events/room-1?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var events []*store.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.NotEmpty(t, events)
	assert.Equal(t, store.EventBlock, events[0].Type)
}

func TestContractLifecycle(t *testing.T) {
	f := newPanelFixture(t)

	rec := f.do(http.MethodPost, "/api/contracts/", map[string]any{
		"kiosk_id":  testKiosk,
		"locker_id": 3,
		"owner_key": "acme",
		"valid_to":  time.Now().Add(365 * 24 * time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var contract store.VipContract
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &contract))
	assert.NotEmpty(t, contract.ID)

	l, err := f.store.GetLocker(context.Background(), testKiosk, 3)
	require.NoError(t, err)
	assert.True(t, l.IsVIP)
	assert.Equal(t, store.LockerOwned, l.Status)

	// The locker is taken now; a second contract conflicts.
	rec = f.do(http.MethodPost, "/api/contracts/", map[string]any{
		"kiosk_id":  testKiosk,
		"locker_id": 3,
		"owner_key": "globex",
		"valid_to":  time.Now().Add(24 * time.Hour).Format(time.RFC3339),
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(http.MethodPost, "/api/contracts/"+contract.ID+"/terminate",
		map[string]any{"staff_user": "alice"})
	require.Equal(t, http.StatusNoContent, rec.Code)

	l, err = f.store.GetLocker(context.Background(), testKiosk, 3)
	require.NoError(t, err)
	assert.Equal(t, store.LockerFree, l.Status)
	assert.False(t, l.IsVIP)

	rec = f.do(http.MethodPost, "/api/contracts/no-such/terminate",
		map[string]any{"staff_user": "alice"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
