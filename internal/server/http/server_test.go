package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	cfgpkg "github.com/rzbill/changeflo/internal/config"
	"github.com/rzbill/changeflo/internal/runtime"
	changestreamsvc "github.com/rzbill/changeflo/internal/services/changestreams"
	pebblestore "github.com/rzbill/changeflo/internal/storage/pebble"
	"github.com/rzbill/changeflo/internal/streamerr"
	logpkg "github.com/rzbill/changeflo/pkg/log"
)

func newServerForTest(t *testing.T) *Server {
	t.Helper()
	rt, err := runtime.Open(runtime.Options{
		DataDir: t.TempDir(),
		Fsync:   pebblestore.FsyncModeAlways,
		Config:  cfgpkg.Default(),
		Logger:  logpkg.NewNopLogger(),
	})
	if err != nil {
		t.Fatalf("rt open: %v", err)
	}
	svc := changestreamsvc.New(rt)
	t.Cleanup(func() {
		_ = svc.Close()
		_ = rt.Close()
	})
	return New(rt, svc)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

const insertBody = `{"ops":[{"op":"insert","ns":{"db":"app","coll":"orders"},"documentKey":{"_id":"%s"},"o":{"_id":"%s"}}]}`

func ingest(t *testing.T, s *Server, tenant, id string) {
	t.Helper()
	body := strings.ReplaceAll(insertBody, "%s", id)
	if w := do(t, s, http.MethodPost, "/v1/tenants/"+tenant+"/ops", body); w.Code != http.StatusAccepted {
		t.Fatalf("ingest status: %d %s", w.Code, w.Body.String())
	}
}

func enable(t *testing.T, s *Server, tenant string) {
	t.Helper()
	if w := do(t, s, http.MethodPut, "/v1/tenants/"+tenant+"/changestreams", `{"enabled":true}`); w.Code != http.StatusOK {
		t.Fatalf("enable status: %d %s", w.Code, w.Body.String())
	}
}

func TestHealthHandler(t *testing.T) {
	s := newServerForTest(t)
	w := do(t, s, http.MethodGet, "/v1/healthz", "")
	if w.Code != 200 {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newServerForTest(t)
	w := do(t, s, http.MethodOptions, "/v1/tenants/t1/cursors", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("status: %d", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}
}

func TestStateHandlers(t *testing.T) {
	s := newServerForTest(t)
	enable(t, s, "t1")
	w := do(t, s, http.MethodGet, "/v1/tenants/t1/changestreams", "")
	var st struct {
		Enabled bool   `json:"enabled"`
		Epoch   uint64 `json:"epoch"`
	}
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !st.Enabled || st.Epoch != 1 {
		t.Fatalf("unexpected state: %+v", st)
	}
	if w := do(t, s, http.MethodPut, "/v1/tenants/t1/changestreams", `nope`); w.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestErrorsCarryKind(t *testing.T) {
	s := newServerForTest(t)
	w := do(t, s, http.MethodPost, "/v1/tenants/t1/cursors", "")
	var body streamerr.HTTPError
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if w.Code != streamerr.HTTPStatus(streamerr.KindNotEnabled) || body.Code != string(streamerr.KindNotEnabled) {
		t.Fatalf("unexpected error %d %+v", w.Code, body)
	}
	if !streamerr.Is(streamerr.FromHTTP(body), streamerr.KindNotEnabled) {
		t.Fatalf("kind lost across HTTP")
	}

	enable(t, s, "t1")
	w = do(t, s, http.MethodPost, "/v1/tenants/t1/cursors/missing/getMore", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestCursorLifecycleHandlers(t *testing.T) {
	s := newServerForTest(t)
	enable(t, s, "t1")

	w := do(t, s, http.MethodPost, "/v1/tenants/t1/cursors", `{"batchSize":10}`)
	if w.Code != http.StatusOK {
		t.Fatalf("open status: %d %s", w.Code, w.Body.String())
	}
	var first changestreamsvc.CursorBatch
	if err := json.NewDecoder(w.Body).Decode(&first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.CursorID == "" || first.PostBatchResumeToken == "" {
		t.Fatalf("unexpected first batch: %+v", first)
	}

	ingest(t, s, "t1", "a")
	ingest(t, s, "t1", "b")

	w = do(t, s, http.MethodPost, "/v1/tenants/t1/cursors/"+first.CursorID+"/getMore", `{"maxAwaitTimeMS":100}`)
	var next changestreamsvc.CursorBatch
	if err := json.NewDecoder(w.Body).Decode(&next); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(next.Documents) != 2 || next.Documents[0].DocumentKey["_id"] != "a" {
		t.Fatalf("unexpected batch: %+v", next)
	}

	ingest(t, s, "t1", "c")
	ingest(t, s, "t1", "d")
	w = do(t, s, http.MethodPost, "/v1/tenants/t1/cursors/"+first.CursorID+"/getMore?batchSize=1&maxAwaitTimeMS=100", "")
	next = changestreamsvc.CursorBatch{}
	if err := json.NewDecoder(w.Body).Decode(&next); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(next.Documents) != 1 || next.Documents[0].DocumentKey["_id"] != "c" {
		t.Fatalf("query params not applied: %+v", next)
	}

	w = do(t, s, http.MethodGet, "/v1/tenants/t1/stats", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"events":4`) {
		t.Fatalf("stats: %d %s", w.Code, w.Body.String())
	}
	w = do(t, s, http.MethodGet, "/v1/collections", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"tenant":"t1"`) {
		t.Fatalf("collections: %d %s", w.Code, w.Body.String())
	}

	if w := do(t, s, http.MethodDelete, "/v1/tenants/t1/cursors/"+first.CursorID, ""); w.Code != http.StatusNoContent {
		t.Fatalf("kill status: %d", w.Code)
	}
	if w := do(t, s, http.MethodDelete, "/v1/tenants/t1/cursors/"+first.CursorID, ""); w.Code != http.StatusNotFound {
		t.Fatalf("second kill status: %d", w.Code)
	}
}

func TestWatchSSE(t *testing.T) {
	s := newServerForTest(t)
	enable(t, s, "t1")
	ingest(t, s, "t1", "a")
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/tenants/t1/watch?fromEarliest=true", nil)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK || res.Header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("unexpected response: %d %s", res.StatusCode, res.Header.Get("Content-Type"))
	}
	sc := bufio.NewScanner(res.Body)
	var id, data string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
		if data != "" {
			break
		}
	}
	if id == "" || !strings.Contains(data, `"operationType":"insert"`) {
		t.Fatalf("unexpected event id=%q data=%q", id, data)
	}
}

func TestWatchSSEOpenErrorHasStatus(t *testing.T) {
	s := newServerForTest(t)
	w := do(t, s, http.MethodGet, "/v1/tenants/t1/watch", "")
	if w.Code != streamerr.HTTPStatus(streamerr.KindNotEnabled) {
		t.Fatalf("status: %d", w.Code)
	}
	w = do(t, s, http.MethodGet, "/v1/tenants/t1/watch?startAtOperationTime=x.y", "")
	if w.Code != streamerr.HTTPStatus(streamerr.KindInvalidOptions) {
		t.Fatalf("status: %d", w.Code)
	}
}

func TestWatchWebsocket(t *testing.T) {
	s := newServerForTest(t)
	enable(t, s, "t1")
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/tenants/t1/watch/ws?fromEarliest=true&db=app&coll=orders"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	ingest(t, s, "t1", "a")
	var doc map[string]any
	if err := conn.ReadJSON(&doc); err != nil {
		t.Fatalf("read: %v", err)
	}
	if doc["operationType"] != "insert" || doc["_id"] == nil {
		t.Fatalf("unexpected doc: %v", doc)
	}

	// Dropping the watched collection ends the stream normally.
	body := `{"ops":[{"op":"drop","ns":{"db":"app","coll":"orders"}}]}`
	if w := do(t, s, http.MethodPost, "/v1/tenants/t1/ops", body); w.Code != http.StatusAccepted {
		t.Fatalf("drop status: %d", w.Code)
	}
	if err := conn.ReadJSON(&doc); err != nil || doc["operationType"] != "drop" {
		t.Fatalf("expected drop event, got %v %v", doc, err)
	}
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
}
