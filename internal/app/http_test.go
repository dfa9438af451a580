package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"messageexchange/api/internal/auth"
	"messageexchange/api/internal/sequence"
)

type testServer struct {
	t       *testing.T
	handler http.Handler
	store   *fakeStore
	alloc   *fakeAllocator
}

func newTestServer(t *testing.T) *testServer {
	fs := newFakeStore()
	alloc := newFakeAllocator()
	return &testServer{
		t:       t,
		handler: NewHTTPServer(newTestService(fs, alloc), "*").Handler(),
		store:   fs,
		alloc:   alloc,
	}
}

func (ts *testServer) do(method, path, sentBy string, body any) *httptest.ResponseRecorder {
	ts.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			ts.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if sentBy != "" {
		req.Header.Set(auth.HeaderSentBy, sentBy)
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func decodeMap(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
	return response
}

const (
	basePath    = "/2281/my_namespace/conversations"
	sentByJoe   = "type=adAccount; joe01doe"
	sentByParty = "type=partyId; 81471222-5798-11e9-ae24-57fa13b361e1"
)

func (ts *testServer) createConversation(topic string) string {
	ts.t.Helper()
	rr := ts.do(http.MethodPost, basePath, "", map[string]any{
		"topic":        topic,
		"participants": []map[string]string{{"type": "adAccount", "value": "joe01doe"}},
	})
	if rr.Code != http.StatusCreated {
		ts.t.Fatalf("create conversation: status %d body %s", rr.Code, rr.Body.String())
	}
	return decodeMap(ts.t, rr)["id"].(string)
}

func TestCreateConversationReturnsLocation(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(http.MethodPost, basePath, "", map[string]any{"topic": "Parking permit"})

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	id := decodeMap(t, rr)["id"].(string)
	if want := basePath + "/" + id; rr.Header().Get("Location") != want {
		t.Fatalf("expected Location %q, got %q", want, rr.Header().Get("Location"))
	}

	get := ts.do(http.MethodGet, basePath+"/"+id, "", nil)
	if get.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", get.Code)
	}
	body := decodeMap(t, get)
	if body["topic"] != "Parking permit" || body["latestSequenceNumber"] != nil {
		t.Fatalf("unexpected conversation: %v", body)
	}
}

func TestTenantPathValidation(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{
		"/228/my_namespace/conversations",
		"/22a1/my_namespace/conversations",
		"/2281/bad%20namespace/conversations",
		"/2281/bad.namespace/conversations",
		basePath + "/not-a-uuid",
		basePath + "/b82bd8ac-1507-4d9a-958d-369261eecc15/messages/not-a-uuid",
	} {
		method := http.MethodGet
		if strings.Contains(path, "/messages/") {
			method = http.MethodDelete
		}
		rr := ts.do(method, path, "", nil)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s %s: expected 400, got %d", method, path, rr.Code)
		}
		if code := decodeMap(t, rr)["code"]; code != "VALIDATION_ERROR" {
			t.Fatalf("%s: expected VALIDATION_ERROR, got %v", path, code)
		}
	}
}

func TestNamespaceAllowsWordCharactersAndDash(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(http.MethodGet, "/2281/MY-name_space1/conversations", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestPageQueryValidation(t *testing.T) {
	ts := newTestServer(t)
	for _, query := range []string{"?page=-1", "?size=0", "?size=101", "?page=abc"} {
		rr := ts.do(http.MethodGet, basePath+query, "", nil)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", query, rr.Code)
		}
	}

	rr := ts.do(http.MethodGet, basePath+"?page=0&size=100", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for max size, got %d", rr.Code)
	}
	body := decodeMap(t, rr)
	if body["size"] != float64(100) || body["totalElements"] != float64(0) {
		t.Fatalf("unexpected page envelope: %v", body)
	}
	if content, ok := body["content"].([]any); !ok || len(content) != 0 {
		t.Fatalf("expected empty content array, got %v", body["content"])
	}
}

func TestGetConversationFromOtherTenantIsNotFound(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createConversation("T1")

	rr := ts.do(http.MethodGet, "/2262/my_namespace/conversations/"+id, "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if code := decodeMap(t, rr)["code"]; code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %v", code)
	}
}

func TestCreateMessageFlow(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createConversation("T1")
	messagesPath := basePath + "/" + id + "/messages"

	rr := ts.do(http.MethodPost, messagesPath, sentByJoe, map[string]any{"content": "Hello"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	created := decodeMap(t, rr)
	if created["sequenceNumber"] != float64(1) || created["type"] != "USER_CREATED" {
		t.Fatalf("unexpected message: %v", created)
	}
	if want := messagesPath + "/" + created["id"].(string); rr.Header().Get("Location") != want {
		t.Fatalf("expected Location %q, got %q", want, rr.Header().Get("Location"))
	}

	list := ts.do(http.MethodGet, messagesPath, sentByParty, nil)
	if list.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", list.Code)
	}
	content := decodeMap(t, list)["content"].([]any)
	if len(content) != 1 {
		t.Fatalf("expected one message, got %d", len(content))
	}
	readBy := content[0].(map[string]any)["readBy"].([]any)
	if len(readBy) != 2 {
		t.Fatalf("expected creator and reader marks, got %v", readBy)
	}

	conversation := decodeMap(t, ts.do(http.MethodGet, basePath+"/"+id, "", nil))
	if conversation["latestSequenceNumber"] != float64(1) {
		t.Fatalf("expected latestSequenceNumber 1, got %v", conversation["latestSequenceNumber"])
	}
}

func TestCreateMessageRejectsMalformedSentBy(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createConversation("T1")

	rr := ts.do(http.MethodPost, basePath+"/"+id+"/messages", "joe01doe", map[string]any{"content": "Hello"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if code := decodeMap(t, rr)["code"]; code != "INVALID_SENT_BY" {
		t.Fatalf("expected INVALID_SENT_BY, got %v", code)
	}
	if ts.alloc.calls != 0 {
		t.Fatalf("expected no allocation, got %d", ts.alloc.calls)
	}
}

func TestCreateMessageSequenceUnavailable(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createConversation("T1")
	ts.alloc.err = fmt.Errorf("%w: gave up after 5 attempts", sequence.ErrStorageUnavailable)

	rr := ts.do(http.MethodPost, basePath+"/"+id+"/messages", sentByJoe, map[string]any{"content": "Hello"})
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if code := decodeMap(t, rr)["code"]; code != "SEQUENCE_UNAVAILABLE" {
		t.Fatalf("expected SEQUENCE_UNAVAILABLE, got %v", code)
	}
	if got := ts.store.messagesOf(id); len(got) != 0 {
		t.Fatalf("expected no stored message, got %d", len(got))
	}
}

func TestPatchConversationAddsAuditMessage(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createConversation("T1")

	rr := ts.do(http.MethodPatch, basePath+"/"+id, sentByJoe, map[string]any{
		"topic": "T2",
		"externalReferences": []map[string]any{
			{"key": "caseId", "values": []string{"PRH-2024-000123"}},
		},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if topic := decodeMap(t, rr)["topic"]; topic != "T2" {
		t.Fatalf("expected topic T2, got %v", topic)
	}

	messages := ts.store.messagesOf(id)
	if len(messages) != 1 {
		t.Fatalf("expected one audit message, got %d", len(messages))
	}
	if want := "Topic changed from 'T1' to 'T2'. Reference added to conversation."; messages[0].Content != want {
		t.Fatalf("expected %q, got %q", want, messages[0].Content)
	}
}

func TestPatchConversationRejectsUnknownFields(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createConversation("T1")

	rr := ts.do(http.MethodPatch, basePath+"/"+id, "", map[string]any{"subject": "T2"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestDeleteEndpoints(t *testing.T) {
	ts := newTestServer(t)
	id := ts.createConversation("T1")
	created := decodeMap(t, ts.do(http.MethodPost, basePath+"/"+id+"/messages", "", map[string]any{"content": "Hello"}))
	messageID := created["id"].(string)

	if rr := ts.do(http.MethodDelete, basePath+"/"+id+"/messages/"+messageID, "", nil); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 deleting message, got %d", rr.Code)
	}
	if rr := ts.do(http.MethodDelete, basePath+"/"+id+"/messages/"+messageID, "", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 deleting message twice, got %d", rr.Code)
	}
	if rr := ts.do(http.MethodDelete, basePath+"/"+id, "", nil); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 deleting conversation, got %d", rr.Code)
	}
	if rr := ts.do(http.MethodGet, basePath+"/"+id, "", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rr.Code)
	}
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(http.MethodGet, "/api/unknown/route/here", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
