package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denismitr/twinstore"
	"github.com/denismitr/twinstore/backend/memstore"
	"github.com/denismitr/twinstore/internal/adaptertest"
	"github.com/denismitr/twinstore/internal/present"
	"github.com/denismitr/twinstore/metrics"
)

type harness struct {
	fast    *adaptertest.FaultyFast
	durable *adaptertest.FaultyDurable
	store   *twinstore.Store
	srv     *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		fast:    adaptertest.NewFaultyFast(memstore.New(&memstore.Config{Name: "fast"})),
		durable: adaptertest.NewFaultyDurable(memstore.New(&memstore.Config{Name: "durable"})),
	}

	reg := prometheus.NewRegistry()
	sink, err := metrics.NewPrometheusSink(reg)
	require.NoError(t, err)

	clock := func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	h.store, err = twinstore.New(h.fast, h.durable, &twinstore.Config{Sink: sink, Now: clock})
	require.NoError(t, err)

	api := New(h.store, Options{Gatherer: reg, Logger: zerolog.Nop()})
	h.srv = httptest.NewServer(api.Handler())

	t.Cleanup(func() {
		h.srv.Close()
		_ = h.store.Close()
		_ = h.fast.Close()
		_ = h.durable.Close()
	})

	return h
}

func (h *harness) do(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	var r *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	} else {
		r = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, h.srv.URL+path, r)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	if resp.ContentLength != 0 {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}

	return resp, out
}

func TestServer_CRUD(t *testing.T) {
	h := newHarness(t)

	resp, out := h.do(t, "PUT", "/v1/user/u1", map[string]interface{}{"email": "a@x.com", "name": "A"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "users/u1", out["path"])
	assert.Equal(t, true, out["ok"])

	resp, out = h.do(t, "GET", "/v1/user/u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "fast", out["source"])
	assert.Equal(t, map[string]interface{}{"email": "a@x.com", "name": "A"}, out["fields"])

	resp, _ = h.do(t, "PATCH", "/v1/user/u1", map[string]interface{}{"name": "B"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, out = h.do(t, "GET", "/v1/user/u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "B", out["fields"].(map[string]interface{})["name"])

	resp, _ = h.do(t, "DELETE", "/v1/user/u1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = h.do(t, "GET", "/v1/user/u1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_Errors(t *testing.T) {
	h := newHarness(t)

	t.Run("unknown kind", func(t *testing.T) {
		resp, out := h.do(t, "GET", "/v1/invoice/1", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, out["error"], "invoice")
	})

	t.Run("schema violation", func(t *testing.T) {
		resp, _ := h.do(t, "PUT", "/v1/user/u1", map[string]interface{}{"email": 42})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, 0, h.fast.TotalCalls()+h.durable.TotalCalls())
	})

	t.Run("bad json", func(t *testing.T) {
		req, err := http.NewRequest("PUT", h.srv.URL+"/v1/user/u1", strings.NewReader("{"))
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("one backend down", func(t *testing.T) {
		h.fast.FailOn(twinstore.OpWrite, nil)
		defer h.fast.Heal()

		resp, out := h.do(t, "PUT", "/v1/content/1", map[string]interface{}{"title": "Intro"})
		assert.Equal(t, http.StatusMultiStatus, resp.StatusCode)
		assert.Equal(t, true, out["diverged"])
	})

	t.Run("both backends down on read", func(t *testing.T) {
		h.fast.FailOn(twinstore.OpRead, nil)
		h.durable.FailOn(twinstore.OpRead, nil)
		defer h.fast.Heal()
		defer h.durable.Heal()

		resp, _ := h.do(t, "GET", "/v1/content/1", nil)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
}

func TestServer_BulkAndFind(t *testing.T) {
	h := newHarness(t)

	resp, out := h.do(t, "POST", "/v1/content", map[string]interface{}{
		"1": map[string]interface{}{"title": "Intro", "chapter": "one"},
		"2": map[string]interface{}{"title": "Basics", "chapter": "one"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["ok"])

	resp, out = h.do(t, "GET", "/v1/content?field=chapter&value=one", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1", out["key"])
	assert.Equal(t, "durable", out["source"])

	resp, _ = h.do(t, "GET", "/v1/content?field=chapter&value=two", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = h.do(t, "GET", "/v1/content?field=chapter", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, "POST", "/v1/content", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_TouchAndAttempts(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.do(t, "POST", "/v1/user/u1/touch", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, out := h.do(t, "GET", "/v1/user/u1", nil)
	assert.Equal(t, "2024-01-02T03:04:05Z", out["fields"].(map[string]interface{})["lastActiveTime"])

	resp, out = h.do(t, "POST", "/v1/test-result/u1/attempts", map[string]interface{}{"testId": "quiz", "score": 7})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	key, _ := out["key"].(string)
	require.True(t, strings.HasPrefix(key, "u1/"), key)

	resp, out = h.do(t, "GET", "/v1/test-result/"+key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(7), out["fields"].(map[string]interface{})["score"])

	resp, _ = h.do(t, "POST", "/v1/test-result/u1/attempts", map[string]interface{}{"score": 7})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_RequestID(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.do(t, "GET", "/health", nil)
	_, err := uuid.Parse(resp.Header.Get(requestIDHeader))
	assert.NoError(t, err)

	id := uuid.NewString()
	req, err := http.NewRequest("GET", h.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set(requestIDHeader, id)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, id, resp.Header.Get(requestIDHeader))
}

func TestServer_Metrics(t *testing.T) {
	h := newHarness(t)

	h.durable.FailOn(twinstore.OpWrite, nil)
	h.do(t, "PUT", "/v1/content/1", map[string]interface{}{"title": "Intro"})

	resp, err := http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, buf.String(), `twinstore_backend_failures_total{backend="durable",op="write"} 1`)
}

func dialLive(t *testing.T, h *harness, path string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return conn
}

func readUpdate(t *testing.T, conn *websocket.Conn) present.Update {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var u present.Update
	require.NoError(t, conn.ReadJSON(&u))
	return u
}

func TestServer_Live(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.store.Save(ctx, twinstore.NewEntity(twinstore.KindUser, "u1", twinstore.M{"name": "A"}))
	require.NoError(t, err)

	conn := dialLive(t, h, "/v1/live/user/u1")

	u := readUpdate(t, conn)
	assert.Equal(t, twinstore.SourceFast, u.Source)
	require.Len(t, u.Entities, 1)
	assert.Equal(t, "A", u.Entities[0].Fields.String("name"))

	_, err = h.store.Patch(ctx, twinstore.KindUser, "u1", twinstore.M{"name": "B"})
	require.NoError(t, err)

	u = readUpdate(t, conn)
	assert.Equal(t, "B", u.Entities[0].Fields.String("name"))

	h.fast.BreakListeners(nil)

	u = readUpdate(t, conn)
	assert.Equal(t, twinstore.SourceDurable, u.Source)
	assert.Equal(t, "B", u.Entities[0].Fields.String("name"))

	var end liveEnd
	require.NoError(t, conn.ReadJSON(&end))
	assert.Equal(t, "idle", end.State)
	assert.Contains(t, end.Error, "backend unavailable")

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestServer_LiveCollection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	conn := dialLive(t, h, "/v1/live/content")

	u := readUpdate(t, conn)
	assert.Empty(t, u.Entities)

	_, err := h.store.SaveBulk(ctx, twinstore.KindContent, map[string]twinstore.M{
		"2": {"title": "Basics"},
		"1": {"title": "Intro"},
	})
	require.NoError(t, err)

	u = readUpdate(t, conn)
	require.Len(t, u.Entities, 2)
	assert.Equal(t, "1", u.Entities[0].Key)
	assert.Equal(t, "2", u.Entities[1].Key)
}
