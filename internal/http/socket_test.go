package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-tracking/internal/models"
)

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialWS(t *testing.T, ts *httptest.Server, token string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(typ string, data any) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteJSON(map[string]any{"type": typ, "data": data}))
}

type received struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (c *wsClient) next() received {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg received
	require.NoError(c.t, c.conn.ReadJSON(&msg))
	return msg
}

// nextOf skips messages until one of type typ arrives.
func (c *wsClient) nextOf(typ string) received {
	c.t.Helper()
	for i := 0; i < 10; i++ {
		if msg := c.next(); msg.Type == typ {
			return msg
		}
	}
	c.t.Fatalf("no %s message received", typ)
	return received{}
}

func TestSocket_RejectsUnauthenticated(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSocket_RoleChecksAndMalformedMessages(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	rider := dialWS(t, ts, env.token(t, "rider-1", models.RoleRider))
	rider.send(models.EventDriverGoOnline, nil)
	assert.Equal(t, models.EventError, rider.next().Type)

	require.NoError(t, rider.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, models.EventError, rider.next().Type)

	rider.send(models.EventSubscribeRide, map[string]any{})
	assert.Equal(t, models.EventError, rider.next().Type)

	rider.send(models.EventSubscribeRide, map[string]any{"rideId": "missing"})
	msg := rider.next()
	assert.Equal(t, models.EventError, msg.Type)
	assert.Contains(t, string(msg.Data), "ride not found")

	driver := dialWS(t, ts, env.token(t, "D", models.RoleDriver))
	driver.send(models.EventSubscribeRide, map[string]any{"rideId": "x"})
	assert.Equal(t, models.EventError, driver.next().Type)
	driver.send(models.EventDriverPosition, map[string]any{"lat": 200, "lng": 0})
	assert.Equal(t, models.EventError, driver.next().Type)
}

func TestSocket_DriverReconnectReplacesSession(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()
	token := env.token(t, "D", models.RoleDriver)

	first := dialWS(t, ts, token)
	first.send(models.EventDriverGoOnline, nil)
	require.Eventually(t, func() bool { return env.presence.IsOnline("D") }, time.Second, 10*time.Millisecond)

	second := dialWS(t, ts, token)
	second.send(models.EventDriverGoOnline, nil)

	// the first socket is closed by the server
	require.NoError(t, first.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := first.conn.ReadMessage(); err != nil {
			break
		}
	}
	time.Sleep(50 * time.Millisecond)
	assert.True(t, env.presence.IsOnline("D"), "closing the replaced socket keeps the driver online")

	second.send(models.EventDriverGoOffline, nil)
	require.Eventually(t, func() bool { return !env.presence.IsOnline("D") }, time.Second, 10*time.Millisecond)
}

// Rider books a car from A to B, driver D accepts and streams positions,
// then completes the trip. A second ride loses tracking mid-trip.
func TestSocket_EndToEndRide(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	riderToken := env.token(t, "rider-1", models.RoleRider)
	driverToken := env.token(t, "D", models.RoleDriver)

	driver := dialWS(t, ts, driverToken)
	driver.send(models.EventDriverGoOnline, nil)
	require.Eventually(t, func() bool { return env.presence.IsOnline("D") }, time.Second, 10*time.Millisecond)

	ride := env.createRide(t, riderToken)
	assert.Equal(t, models.RideRequested, ride.Status)
	assert.Empty(t, ride.DriverID)

	rec := env.do(t, http.MethodPut, "/ride/accept/"+ride.ID, driverToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	accepted := decodeRide(t, rec)
	assert.Equal(t, models.RideAccepted, accepted.Status)
	assert.Equal(t, "D", accepted.DriverID)

	rider := dialWS(t, ts, riderToken)
	rider.send(models.EventSubscribeRide, models.RideRefPayload{RideID: ride.ID})
	require.Eventually(t, func() bool { return env.relay.Subscribers("D") == 1 }, time.Second, 10*time.Millisecond)

	driver.send(models.EventDriverPosition, models.DriverPositionPayload{Lat: 12.9, Lng: 77.6})
	msg := rider.nextOf(models.EventPositionUpdate)
	var pos models.PositionUpdatePayload
	require.NoError(t, json.Unmarshal(msg.Data, &pos))
	assert.Equal(t, ride.ID, pos.RideID)
	assert.Equal(t, "D", pos.DriverID)
	assert.Equal(t, 12.9, pos.Lat)
	assert.Equal(t, 77.6, pos.Lng)
	assert.NotZero(t, pos.Timestamp)

	rec = env.do(t, http.MethodPut, "/ride/start/"+ride.ID, driverToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.RideOngoing, decodeRide(t, rec).Status)

	rec = env.do(t, http.MethodPut, "/ride/complete/"+ride.ID, driverToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.RideCompleted, decodeRide(t, rec).Status)

	select {
	case call := <-env.settled:
		assert.Equal(t, settleCall{rideID: ride.ID, fare: 250}, call)
	case <-time.After(time.Second):
		t.Fatal("settlement not invoked")
	}

	msg = rider.nextOf(models.EventRideStatus)
	var status models.RideStatusPayload
	require.NoError(t, json.Unmarshal(msg.Data, &status))
	for status.Status != models.RideCompleted {
		msg = rider.nextOf(models.EventRideStatus)
		require.NoError(t, json.Unmarshal(msg.Data, &status))
	}
	assert.Equal(t, 0, env.relay.Subscribers("D"))

	// second ride: the driver drops mid-trip
	second := env.createRide(t, riderToken)
	for _, path := range []string{"/ride/accept/", "/ride/start/"} {
		rec = env.do(t, http.MethodPut, path+second.ID, driverToken, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	rider.send(models.EventSubscribeRide, models.RideRefPayload{RideID: second.ID})
	require.Eventually(t, func() bool { return env.relay.Subscribers("D") == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, driver.conn.Close())

	msg = rider.nextOf(models.EventTrackingUnavailable)
	var ref models.RideRefPayload
	require.NoError(t, json.Unmarshal(msg.Data, &ref))
	assert.Equal(t, second.ID, ref.RideID)

	rec = env.do(t, http.MethodGet, "/ride/"+second.ID, riderToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeRide(t, rec)
	assert.Equal(t, models.RideOngoing, got.Status, "losing tracking does not change the ride")
	assert.Equal(t, "D", got.DriverID)
}
