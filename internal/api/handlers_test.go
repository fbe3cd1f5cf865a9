package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mailmirror/mailmirror/internal/model"
	"github.com/mailmirror/mailmirror/tests/testutil"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	db := testutil.NewTestStore(t)
	s := New(db, zerolog.Nop(), "127.0.0.1:0")
	ts := httptest.NewServer(s.http.Handler)
	t.Cleanup(ts.Close)

	ctx := context.Background()
	if err := db.UpsertAccount(ctx, model.Account{
		ID: "acct-1", Email: "u@example.com", Provider: model.ProviderIMAP,
	}); err != nil {
		t.Fatalf("seeding account: %v", err)
	}
	if err := db.UpsertCategory(ctx, model.Category{
		ID: "cat-inbox", AccountID: "acct-1", Name: "INBOX", Role: model.RoleInbox,
	}); err != nil {
		t.Fatalf("seeding folder: %v", err)
	}
	if err := db.UpsertCategory(ctx, model.Category{
		ID: "cat-work", AccountID: "acct-1", Name: "Work", IsLabel: true,
	}); err != nil {
		t.Fatalf("seeding label: %v", err)
	}

	return s, ts
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestGetFoldersAndLabelsAreSeparate(t *testing.T) {
	_, ts := newTestServer(t)

	var folders []categoryJSON
	if code := getJSON(t, ts.URL+"/folders", &folders); code != http.StatusOK {
		t.Fatalf("GET /folders = %d", code)
	}
	if len(folders) != 1 || folders[0].Name != "INBOX" {
		t.Errorf("folders = %+v, want just INBOX", folders)
	}

	var labels []categoryJSON
	if code := getJSON(t, ts.URL+"/labels", &labels); code != http.StatusOK {
		t.Fatalf("GET /labels = %d", code)
	}
	if len(labels) != 1 || labels[0].Name != "Work" {
		t.Errorf("labels = %+v, want just Work", labels)
	}
}

func TestCreateFolderEnqueuesRequest(t *testing.T) {
	s, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/folders", "application/json",
		strings.NewReader(`{"display_name":"Receipts"}`))
	if err != nil {
		t.Fatalf("POST /folders: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	var queued model.SyncbackRequest
	if err := json.NewDecoder(resp.Body).Decode(&queued); err != nil {
		t.Fatalf("decoding reply: %v", err)
	}
	if queued.Type != model.RequestCreateCategory || queued.Status != model.StatusPending {
		t.Errorf("queued = %+v, want pending CreateCategory", queued)
	}

	stored, err := s.store.GetSyncbackRequest(context.Background(), queued.ID)
	if err != nil {
		t.Fatalf("request not persisted: %v", err)
	}
	var props struct {
		Name    string `json:"name"`
		IsLabel bool   `json:"isLabel"`
	}
	if err := json.Unmarshal(stored.Props, &props); err != nil {
		t.Fatalf("decoding props: %v", err)
	}
	if props.Name != "Receipts" || props.IsLabel {
		t.Errorf("props = %+v, want folder Receipts", props)
	}
}

func TestCreateFolderRejectsEmptyName(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/folders", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("POST /folders: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetContactNotFound(t *testing.T) {
	_, ts := newTestServer(t)

	if code := getJSON(t, ts.URL+"/contacts/nope", nil); code != http.StatusNotFound {
		t.Errorf("GET missing contact = %d, want 404", code)
	}
}

func TestGetMessageNotFound(t *testing.T) {
	_, ts := newTestServer(t)

	if code := getJSON(t, ts.URL+"/messages/nope", nil); code != http.StatusNotFound {
		t.Errorf("GET missing message = %d, want 404", code)
	}
}
