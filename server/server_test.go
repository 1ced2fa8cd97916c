package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"gotest.tools/assert"

	"github.com/andreyvit/tabkv"
	"github.com/andreyvit/tabkv/storetest"
)

func newTestServer(t *testing.T, opt Options) *Server {
	t.Helper()
	db := tabkv.Open(tabkv.NewMemStore(), tabkv.Options{Logger: storetest.Logger(t)})
	t.Cleanup(func() { db.Close() })
	if opt.Logger == nil {
		opt.Logger = storetest.Logger(t)
	}
	return New(db, opt)
}

func call(t *testing.T, s *Server, req string) Response {
	t.Helper()
	return s.Handle(context.Background(), []byte(req))
}

// dataAs round-trips a response payload through JSON the way a client sees it.
func dataAs[T any](t *testing.T, res Response) T {
	t.Helper()
	raw, err := json.Marshal(res.Data)
	assert.NilError(t, err)
	var v T
	assert.NilError(t, json.Unmarshal(raw, &v))
	return v
}

func TestRowLifecycle(t *testing.T) {
	s := newTestServer(t, Options{})

	res := call(t, s, `{"id":1,"op":"createTable","tenantId":"acme","tableId":"users","meta":{"indexDefs":[{"name":"byEmail","fields":["email"]}]}}`)
	assert.Equal(t, res.Status, http.StatusCreated, res.Message)
	assert.Equal(t, res.ID, 1)

	res = call(t, s, `{"id":2,"op":"insertRow","tenantId":"acme","tableId":"users","rowId":"u1","data":{"email":"a@x","age":30}}`)
	assert.Equal(t, res.Status, http.StatusCreated, res.Message)
	assert.DeepEqual(t, res.Data, map[string]string{"rowId": "u1"})

	res = call(t, s, `{"id":3,"op":"getRow","tenantId":"acme","tableId":"users","rowId":"u1"}`)
	assert.Equal(t, res.Status, http.StatusOK, res.Message)
	assert.DeepEqual(t, dataAs[map[string]any](t, res), map[string]any{"email": "a@x", "age": 30.0})

	res = call(t, s, `{"id":4,"op":"scanByIndexPrefix","tenantId":"acme","tableId":"users","indexName":"byEmail","indexKeyPrefix":"a@","withData":true}`)
	assert.Equal(t, res.Status, http.StatusOK, res.Message)
	scan := dataAs[tabkv.IndexScanResult](t, res)
	assert.DeepEqual(t, scan.RowIDs, []string{"u1"})
	assert.Equal(t, len(scan.Rows), 1)

	res = call(t, s, `{"id":5,"op":"scanRows","tenantId":"acme","tableId":"users","limit":10}`)
	assert.Equal(t, res.Status, http.StatusOK, res.Message)
	rows := dataAs[tabkv.ScanResult](t, res)
	assert.Equal(t, rows.LastRowID, "u1")

	res = call(t, s, `{"id":6,"op":"describeTable","tenantId":"acme","tableId":"users","withStats":true}`)
	assert.Equal(t, res.Status, http.StatusOK, res.Message)
	desc := dataAs[tabkv.TableDescription](t, res)
	assert.Equal(t, desc.Stats.RowCount, 1)
	assert.Equal(t, desc.Stats.IndexEntries["byEmail"], 1)

	res = call(t, s, `{"id":7,"op":"deleteRow","tenantId":"acme","tableId":"users","rowId":"u1"}`)
	assert.Equal(t, res.Status, http.StatusOK, res.Message)

	res = call(t, s, `{"id":8,"op":"getRow","tenantId":"acme","tableId":"users","rowId":"u1"}`)
	assert.Equal(t, res.Status, http.StatusNotFound, res.Message)
	assert.Equal(t, res.ID, 8)
}

func TestTableActions(t *testing.T) {
	s := newTestServer(t, Options{})

	res := call(t, s, `{"op":"listTables","tenantId":"acme"}`)
	assert.Equal(t, res.Status, http.StatusOK, res.Message)
	assert.Equal(t, len(dataAs[[]tabkv.TableMetadata](t, res)), 0)

	call(t, s, `{"op":"createTable","tenantId":"acme","tableId":"a"}`)
	res = call(t, s, `{"op":"createTable","tenantId":"acme","tableId":"a"}`)
	assert.Equal(t, res.Status, http.StatusConflict, res.Message)

	res = call(t, s, `{"op":"listTables","tenantId":"acme"}`)
	tables := dataAs[[]tabkv.TableMetadata](t, res)
	assert.Equal(t, len(tables), 1)
	assert.Equal(t, tables[0].Name, "a")

	call(t, s, `{"op":"insertRow","tenantId":"acme","tableId":"a","rowId":"1","data":{"x":"y"}}`)
	res = call(t, s, `{"op":"reindex","tenantId":"acme","tableId":"a"}`)
	assert.Equal(t, res.Status, http.StatusOK, res.Message)
	assert.DeepEqual(t, res.Data, map[string]int{"entries": 0})

	res = call(t, s, `{"op":"dropTable","tenantId":"acme","tableId":"a"}`)
	assert.Equal(t, res.Status, http.StatusOK, res.Message)
	res = call(t, s, `{"op":"dropTable","tenantId":"acme","tableId":"a"}`)
	assert.Equal(t, res.Status, http.StatusNotFound, res.Message)
}

func TestJoinRowsAction(t *testing.T) {
	s := newTestServer(t, Options{})
	res := call(t, s, `{"op":"joinRows","left":[{"k":"a"},{"k":"b"}],"right":[{"k":"a","v":9},{"k":"a","v":10}],"on":{"leftKey":"k","rightKey":"k"},"how":"left"}`)
	assert.Equal(t, res.Status, http.StatusOK, res.Message)
	assert.DeepEqual(t, dataAs[[]map[string]any](t, res), []map[string]any{
		{"k": "a", "v": 9.0},
		{"k": "a", "v": 10.0},
		{"k": "b"},
	})

	res = call(t, s, `{"op":"joinRows","left":[],"right":[],"on":{"leftKey":"k","rightKey":"k"},"how":"outer"}`)
	assert.Equal(t, res.Status, http.StatusBadRequest, res.Message)
}

func TestBadRequests(t *testing.T) {
	s := newTestServer(t, Options{})
	call(t, s, `{"op":"createTable","tenantId":"acme","tableId":"users"}`)

	tests := []struct {
		req    string
		status int
	}{
		{`not json`, http.StatusBadRequest},
		{`{"id":1,"op":"explode"}`, http.StatusBadRequest},
		{`{"op":"getRow","tenantId":"acme","tableId":"users"}`, http.StatusBadRequest},
		{`{"op":"getRow","tenantId":"acme","tableId":"nope","rowId":"1"}`, http.StatusNotFound},
		{`{"op":"insertRow","tenantId":"acme","tableId":"users","data":[1]}`, http.StatusBadRequest},
		{`{"op":"insertRow","tenantId":"acme","tableId":"users","data":{"a":{"b":1}}}`, http.StatusBadRequest},
		{`{"op":"scanRows","tenantId":"acme","tableId":"users","limit":-1}`, http.StatusBadRequest},
		{`{"op":"scanByIndexPrefix","tenantId":"acme","tableId":"users","indexName":"nope"}`, http.StatusBadRequest},
		{`{"op":"deleteRow","tenantId":"acme","tableId":"users","rowId":"ghost"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		res := call(t, s, tt.req)
		assert.Equal(t, res.Status, tt.status, "%s: %s", tt.req, res.Message)
	}
}

func TestIsReadOnly(t *testing.T) {
	assert.Assert(t, RequestActionGetRow.IsReadOnly())
	assert.Assert(t, RequestActionJoinRows.IsReadOnly())
	assert.Assert(t, !RequestActionInsertRow.IsReadOnly())
	assert.Assert(t, !RequestActionDropTable.IsReadOnly())
}

func TestReadOnlyServerRejectsWrites(t *testing.T) {
	s := newTestServer(t, Options{ReadOnly: true})

	res := call(t, s, `{"id":1,"op":"createTable","tenantId":"acme","tableId":"t"}`)
	assert.Equal(t, res.ID, 1)
	assert.Equal(t, res.Status, http.StatusForbidden, res.Message)

	res = call(t, s, `{"id":2,"op":"insertRow","tenantId":"acme","tableId":"t","data":{"x":1}}`)
	assert.Equal(t, res.Status, http.StatusForbidden, res.Message)

	res = call(t, s, `{"id":3,"op":"listTables","tenantId":"acme"}`)
	assert.Equal(t, res.Status, http.StatusOK, res.Message)

	res = call(t, s, `{"id":4,"op":"getRow","tenantId":"acme","tableId":"t","rowId":"r"}`)
	assert.Equal(t, res.Status, http.StatusNotFound, res.Message)
}

func dialWS(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	assert.NilError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, req string) Response {
	t.Helper()
	assert.NilError(t, conn.WriteMessage(websocket.TextMessage, []byte(req)))
	var res Response
	assert.NilError(t, conn.ReadJSON(&res))
	return res
}

func TestWebSocket(t *testing.T) {
	conn := dialWS(t, newTestServer(t, Options{}))

	res := roundTrip(t, conn, `{"id":10,"op":"createTable","tenantId":"acme","tableId":"t"}`)
	assert.Equal(t, res.ID, 10)
	assert.Equal(t, res.Status, http.StatusCreated, res.Message)

	res = roundTrip(t, conn, `{"id":11,"op":"insertRow","tenantId":"acme","tableId":"t","data":{"x":1}}`)
	assert.Equal(t, res.ID, 11)
	assert.Equal(t, res.Status, http.StatusCreated, res.Message)
}

func TestWebSocketRateLimit(t *testing.T) {
	conn := dialWS(t, newTestServer(t, Options{RateLimit: 0.001, Burst: 2}))

	statuses := make([]int, 0, 3)
	for id := 1; id <= 3; id++ {
		res := roundTrip(t, conn, fmt.Sprintf(`{"id":%d,"op":"listTables","tenantId":"acme"}`, id))
		assert.Equal(t, res.ID, id)
		statuses = append(statuses, res.Status)
	}
	assert.DeepEqual(t, statuses, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests})
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, Options{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, rec.Code, http.StatusOK)
	assert.Equal(t, rec.Body.String(), "ok")
}

func TestWebSocketOnlyAtWSPath(t *testing.T) {
	ts := httptest.NewServer(newTestServer(t, Options{}).Handler())
	defer ts.Close()
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/", nil)
	assert.Assert(t, err != nil)
	assert.Equal(t, resp.StatusCode, http.StatusNotFound)
}
