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

	"github.com/openkiosk/lockerd/pkg/executor"
	"github.com/openkiosk/lockerd/pkg/locker"
	"github.com/openkiosk/lockerd/pkg/rfid"
	"github.com/openkiosk/lockerd/pkg/store"
)

const testKiosk = "room-1"

type okPulser struct{}

func (okPulser) Pulse(context.Context, int) error { return nil }

func newTestRouter(t *testing.T, lockers int) (http.Handler, *rfid.Intake) {
	t.Helper()
	s, err := store.Open(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	_, err = s.ProvisionLockers(ctx, testKiosk, lockers)
	require.NoError(t, err)

	m := locker.NewManager(s, locker.Config{ReservationWindow: 90 * time.Second})
	intake, err := rfid.New(m, okPulser{}, executor.NewGuards(), rfid.Config{
		KioskID:        testKiosk,
		DebounceWindow: time.Millisecond,
	})
	require.NoError(t, err)

	return NewRouter(APIConfig{KioskID: testKiosk}, s, intake, nil), intake
}

func post(router http.Handler, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, &buf))
	return rec
}

func TestHealthzWithoutHardware(t *testing.T) {
	router, _ := newTestRouter(t, 4)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, testKiosk, body["kiosk_id"])
	assert.NotContains(t, body, "hardware")
}

func TestScanEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, 4)

	rec := post(router, "/api/scan", map[string]string{"uid": "04:A3:1B"})
	require.Equal(t, http.StatusOK, rec.Code)

	var result rfid.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, rfid.ActionAssigned, result.Action)
	require.NotNil(t, result.Locker)
	assert.Equal(t, store.LockerOwned, result.Locker.Status)

	rec = post(router, "/api/scan", map[string]string{"uid": "not a card"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScanNoFreeLockers(t *testing.T) {
	router, _ := newTestRouter(t, 1)

	rec := post(router, "/api/scan", map[string]string{"uid": "04A31B"})
	require.Equal(t, http.StatusOK, rec.Code)

	time.Sleep(5 * time.Millisecond) // clear the debounce window
	rec = post(router, "/api/scan", map[string]string{"uid": "99FF00"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestDeviceEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, 4)

	rec := post(router, "/api/device", map[string]string{"device_hash": "sha256:deadbeef"})
	require.Equal(t, http.StatusOK, rec.Code)

	var result rfid.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, rfid.ActionAssigned, result.Action)
	assert.Equal(t, store.OwnerDevice, result.Locker.OwnerType)

	rec = post(router, "/api/device", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLockersEndpoint(t *testing.T) {
	router, _ := newTestRouter(t, 4)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/lockers", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		KioskID string          `json:"kiosk_id"`
		Lockers []*store.Locker `json:"lockers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, testKiosk, body.KioskID)
	assert.Len(t, body.Lockers, 4)
}
