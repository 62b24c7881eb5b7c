package admin

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/ssd-technologies/nocturne-dist/internal/engine"
)

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	eng, err := engine.New(engine.Config{
		DataDir:    t.TempDir(),
		ListenAddr: "127.0.0.1:0",
		DHTPort:    0,
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	if err := eng.Start(); err != nil {
		t.Fatalf("engine.Start: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return New(eng)
}

func doJSON(t *testing.T, s *Server, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	resp := rec.Result()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHandleStatus(t *testing.T) {
	s := setupTestServer(t)
	resp, body := doJSON(t, s, http.MethodGet, "/api/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if _, ok := body["dht"]; !ok {
		t.Fatalf("response missing dht field: %v", body)
	}
	if _, ok := body["blobStore"]; !ok {
		t.Fatalf("response missing blobStore field: %v", body)
	}
}

func TestHandleGenerateKey(t *testing.T) {
	s := setupTestServer(t)
	resp, body := doJSON(t, s, http.MethodPost, "/api/keys", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	pubHex, _ := body["publicKey"].(string)
	if b, err := hex.DecodeString(pubHex); err != nil || len(b) != 32 {
		t.Fatalf("publicKey = %q, want 64-char hex", pubHex)
	}
	secHex, _ := body["secretKey"].(string)
	if b, err := hex.DecodeString(secHex); err != nil || len(b) != 64 {
		t.Fatalf("secretKey = %q, want 128-char hex", secHex)
	}
}

func TestHandleIngestThenBlobs(t *testing.T) {
	s := setupTestServer(t)

	srcPath := filepath.Join(t.TempDir(), "note.txt")
	if err := os.WriteFile(srcPath, []byte("admin api ingest test"), 0644); err != nil {
		t.Fatalf("write source file: %v", err)
	}

	resp, body := doJSON(t, s, http.MethodPost, "/api/ingest", map[string]string{"filePath": srcPath})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%v", resp.StatusCode, body)
	}
	if count, _ := body["blobCount"].(float64); count != 1 {
		t.Fatalf("blobCount = %v, want 1", body["blobCount"])
	}
	if batchID, _ := body["batchId"].(string); batchID == "" {
		t.Fatalf("batchId missing from ingest response: %v", body)
	}

	blobsResp := httptest.NewRecorder()
	s.ServeHTTP(blobsResp, httptest.NewRequest(http.MethodGet, "/api/blobs", nil))
	if blobsResp.Code != http.StatusOK {
		t.Fatalf("blobs status = %d, want 200", blobsResp.Code)
	}
	var blobs []map[string]any
	if err := json.Unmarshal(blobsResp.Body.Bytes(), &blobs); err != nil {
		t.Fatalf("decode blobs: %v", err)
	}
	if len(blobs) != 1 {
		t.Fatalf("blobs = %v, want 1 entry", blobs)
	}
}

func TestHandleIngestMissingFilePath(t *testing.T) {
	s := setupTestServer(t)
	resp, body := doJSON(t, s, http.MethodPost, "/api/ingest", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body=%v", resp.StatusCode, body)
	}
	if body["kind"] != "IOError" {
		t.Fatalf("kind = %v, want IOError", body["kind"])
	}
}

func TestHandleSubscribeThenUnsubscribe(t *testing.T) {
	s := setupTestServer(t)

	_, keyBody := doJSON(t, s, http.MethodPost, "/api/keys", nil)
	pubHex, _ := keyBody["publicKey"].(string)

	resp, _ := doJSON(t, s, http.MethodPost, "/api/subscribe", map[string]string{
		"publicKey": pubHex,
		"label":     "friend",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("subscribe status = %d, want 200", resp.StatusCode)
	}

	resp, body := doJSON(t, s, http.MethodPost, "/api/subscribe", map[string]string{
		"publicKey": pubHex,
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate subscribe status = %d, want 409, body=%v", resp.StatusCode, body)
	}

	listResp := httptest.NewRecorder()
	s.ServeHTTP(listResp, httptest.NewRequest(http.MethodGet, "/api/subscriptions", nil))
	var subs []map[string]any
	if err := json.Unmarshal(listResp.Body.Bytes(), &subs); err != nil {
		t.Fatalf("decode subscriptions: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("subscriptions = %v, want 1 entry", subs)
	}

	delResp := httptest.NewRecorder()
	s.ServeHTTP(delResp, httptest.NewRequest(http.MethodDelete, "/api/subscribe/"+pubHex, nil))
	if delResp.Code != http.StatusOK {
		t.Fatalf("unsubscribe status = %d, want 200", delResp.Code)
	}

	delResp = httptest.NewRecorder()
	s.ServeHTTP(delResp, httptest.NewRequest(http.MethodDelete, "/api/subscribe/"+pubHex, nil))
	if delResp.Code != http.StatusNotFound {
		t.Fatalf("second unsubscribe status = %d, want 404", delResp.Code)
	}
}

func TestHandlePublishThenStatusReflectsIt(t *testing.T) {
	s := setupTestServer(t)

	_, keyBody := doJSON(t, s, http.MethodPost, "/api/keys", nil)
	pubHex, _ := keyBody["publicKey"].(string)
	secHex, _ := keyBody["secretKey"].(string)

	srcPath := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(srcPath, []byte("publish via admin api"), 0644); err != nil {
		t.Fatalf("write source file: %v", err)
	}
	_, ingestBody := doJSON(t, s, http.MethodPost, "/api/ingest", map[string]string{"filePath": srcPath})
	fileEntry, _ := ingestBody["fileEntry"].(map[string]any)

	manifestReq := map[string]any{
		"pub":   pubHex,
		"seq":   1,
		"files": []any{fileEntry},
	}
	resp, body := doJSON(t, s, http.MethodPost, "/api/publish", map[string]any{
		"manifest":   manifestReq,
		"privateKey": secHex,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("publish status = %d, want 200, body=%v", resp.StatusCode, body)
	}
	if body["status"] != "published" {
		t.Fatalf("status field = %v, want published", body["status"])
	}
}
