package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mailmirror/mailmirror/internal/model"
	"github.com/mailmirror/mailmirror/internal/store"
	"github.com/mailmirror/mailmirror/tests/testutil"
)

func seedAccount(t *testing.T, s *store.SQLiteStore) model.Account {
	t.Helper()
	a := model.Account{
		ID:       "acct-1",
		Email:    "user@example.com",
		Provider: model.ProviderIMAP,
		IMAPHost: "imap.example.com",
		IMAPPort: 993,
		Username: "user@example.com",
	}
	if err := s.UpsertAccount(context.Background(), a); err != nil {
		t.Fatalf("seeding account: %v", err)
	}
	return a
}

func seedFolder(t *testing.T, s *store.SQLiteStore, accountID, id, name string) model.Category {
	t.Helper()
	c := model.Category{
		ID:        id,
		AccountID: accountID,
		Name:      name,
		Role:      model.RoleInbox,
	}
	if err := s.UpsertCategory(context.Background(), c); err != nil {
		t.Fatalf("seeding folder %s: %v", name, err)
	}
	return c
}

func TestAccountRoundTrip(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	a := seedAccount(t, s)

	got, err := s.GetAccountByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAccountByID: %v", err)
	}
	if got.Email != a.Email || got.Provider != a.Provider {
		t.Errorf("got %+v, want email=%s provider=%s", got, a.Email, a.Provider)
	}

	// Upsert with changed host should update in place.
	a.IMAPHost = "imap2.example.com"
	if err := s.UpsertAccount(ctx, a); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, err = s.GetAccountByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAccountByID after update: %v", err)
	}
	if got.IMAPHost != "imap2.example.com" {
		t.Errorf("host = %s, want imap2.example.com", got.IMAPHost)
	}
}

func TestCategoryUpsertPreservesSyncState(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	a := seedAccount(t, s)
	folder := seedFolder(t, s, a.ID, "cat-1", "INBOX")

	st := model.SyncState{FetchedMin: 10, FetchedMax: 90, UIDValidity: 7}
	if err := s.UpdateSyncState(ctx, folder.ID, st); err != nil {
		t.Fatalf("UpdateSyncState: %v", err)
	}

	// A later list pass re-upserts the same folder by name. The stored
	// checkpoint must survive.
	if err := s.UpsertCategory(ctx, folder); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	got, err := s.GetCategoryByID(ctx, folder.ID)
	if err != nil {
		t.Fatalf("GetCategoryByID: %v", err)
	}
	if !got.SyncState.Equal(st) {
		t.Errorf("sync state = %+v, want %+v", got.SyncState, st)
	}
}

func TestDeleteCategoriesNotNamed(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	a := seedAccount(t, s)
	seedFolder(t, s, a.ID, "cat-1", "INBOX")
	seedFolder(t, s, a.ID, "cat-2", "Archive")
	seedFolder(t, s, a.ID, "cat-3", "Old")

	if err := s.DeleteCategoriesNotNamed(ctx, a.ID, []string{"INBOX", "Archive"}); err != nil {
		t.Fatalf("DeleteCategoriesNotNamed: %v", err)
	}

	cats, err := s.GetCategories(ctx, a.ID, store.CategoryFilter{})
	if err != nil {
		t.Fatalf("GetCategories: %v", err)
	}
	if len(cats) != 2 {
		t.Fatalf("got %d categories, want 2", len(cats))
	}
	for _, c := range cats {
		if c.Name == "Old" {
			t.Error("category Old should have been deleted")
		}
	}
}

func seedMessage(t *testing.T, s *store.SQLiteStore, accountID, folderID string, uid uint32, id string) model.Message {
	t.Helper()
	m := model.Message{
		ID:              id,
		AccountID:       accountID,
		Hash:            id,
		ThreadID:        "thread-1",
		FolderID:        &folderID,
		FolderImapUID:   &uid,
		Unread:          true,
		Date:            time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		HeaderMessageID: "<" + id + "@example.com>",
		Subject:         "hello",
		From:            []model.Address{{Name: "A", Email: "a@example.com"}},
		To:              []model.Address{{Name: "B", Email: "b@example.com"}},
		BodyText:        "body",
	}
	if err := s.UpsertMessage(context.Background(), m); err != nil {
		t.Fatalf("seeding message %s: %v", id, err)
	}
	return m
}

func TestUpsertMessageContentWriteOnce(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	a := seedAccount(t, s)
	folder := seedFolder(t, s, a.ID, "cat-1", "INBOX")
	m := seedMessage(t, s, a.ID, folder.ID, 5, "msg-1")

	// A re-fetch of the same message (same hash) with changed flags
	// must update location and flags but never rewrite content.
	m.Unread = false
	m.BodyText = "tampered"
	uid := uint32(9)
	m.FolderImapUID = &uid
	if err := s.UpsertMessage(ctx, m); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := s.GetMessageByID(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMessageByID: %v", err)
	}
	if got.Unread {
		t.Error("unread flag should have updated")
	}
	if got.FolderImapUID == nil || *got.FolderImapUID != 9 {
		t.Errorf("uid = %v, want 9", got.FolderImapUID)
	}
	if got.BodyText != "body" {
		t.Errorf("body = %q, want original content preserved", got.BodyText)
	}
}

func TestUpsertMessageSameHashTwoAccounts(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	a := seedAccount(t, s)
	b := model.Account{
		ID:       "acct-2",
		Email:    "other@example.com",
		Provider: model.ProviderIMAP,
		IMAPHost: "imap.example.com",
		IMAPPort: 993,
		Username: "other@example.com",
	}
	if err := s.UpsertAccount(ctx, b); err != nil {
		t.Fatalf("seeding second account: %v", err)
	}
	fa := seedFolder(t, s, a.ID, "cat-a", "INBOX")
	fb := seedFolder(t, s, b.ID, "cat-b", "INBOX")

	// Both accounts mirror the same message, so the content hash is
	// identical; the row ids must not be, or the second upsert fails.
	m := seedMessage(t, s, a.ID, fa.ID, 5, "msg-shared")
	m2 := m
	m2.ID = "msg-shared-b"
	m2.AccountID = b.ID
	m2.FolderID = &fb.ID
	if err := s.UpsertMessage(ctx, m2); err != nil {
		t.Fatalf("upserting same hash under second account: %v", err)
	}

	for _, id := range []string{m.ID, m2.ID} {
		if _, err := s.GetMessageByID(ctx, id); err != nil {
			t.Errorf("GetMessageByID(%s): %v", id, err)
		}
	}
}

func TestClearFolderAssociationsIsIdempotent(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	a := seedAccount(t, s)
	folder := seedFolder(t, s, a.ID, "cat-1", "INBOX")
	m := seedMessage(t, s, a.ID, folder.ID, 5, "msg-1")

	for i := 0; i < 2; i++ {
		if err := s.ClearFolderAssociations(ctx, folder.ID); err != nil {
			t.Fatalf("ClearFolderAssociations run %d: %v", i+1, err)
		}
	}

	got, err := s.GetMessageByID(ctx, m.ID)
	if err != nil {
		t.Fatalf("GetMessageByID: %v", err)
	}
	if got.FolderID != nil || got.FolderImapUID != nil {
		t.Errorf("location = (%v, %v), want detached", got.FolderID, got.FolderImapUID)
	}
	if got.BodyText != "body" {
		t.Error("message content must survive association clearing")
	}
}

func TestApplyAttrChanges(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	a := seedAccount(t, s)
	folder := seedFolder(t, s, a.ID, "cat-1", "INBOX")
	seedMessage(t, s, a.ID, folder.ID, 5, "msg-1")
	seedMessage(t, s, a.ID, folder.ID, 6, "msg-2")

	changes := []store.AttrChange{
		{MessageID: "msg-1", Unread: false, Starred: true, Keywords: []string{"work"}},
	}
	if err := s.ApplyAttrChanges(ctx, changes); err != nil {
		t.Fatalf("ApplyAttrChanges: %v", err)
	}

	attrs, err := s.GetFolderMessageAttrs(ctx, folder.ID)
	if err != nil {
		t.Fatalf("GetFolderMessageAttrs: %v", err)
	}
	if len(attrs) != 2 {
		t.Fatalf("got %d attrs, want 2", len(attrs))
	}
	for _, at := range attrs {
		switch at.MessageID {
		case "msg-1":
			if at.Unread || !at.Starred {
				t.Errorf("msg-1 attrs = %+v, want read and starred", at)
			}
			if len(at.Keywords) != 1 || at.Keywords[0] != "work" {
				t.Errorf("msg-1 keywords = %v, want [work]", at.Keywords)
			}
		case "msg-2":
			if !at.Unread || at.Starred {
				t.Errorf("msg-2 attrs = %+v, should be untouched", at)
			}
		}
	}
}

func TestSyncbackClaimAndTerminalStatus(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	a := seedAccount(t, s)

	first, err := s.CreateSyncbackRequest(ctx, model.SyncbackRequest{
		AccountID: a.ID,
		Type:      model.RequestCreateCategory,
		Props:     []byte(`{"name":"Todo"}`),
		Status:    model.StatusPending,
	})
	if err != nil {
		t.Fatalf("creating first request: %v", err)
	}
	second, err := s.CreateSyncbackRequest(ctx, model.SyncbackRequest{
		AccountID: a.ID,
		Type:      model.RequestCreateCategory,
		Props:     []byte(`{"name":"Later"}`),
		Status:    model.StatusPending,
	})
	if err != nil {
		t.Fatalf("creating second request: %v", err)
	}

	claimed, err := s.ClaimNextPendingRequest(ctx, a.ID, model.StatusInProgressRetryable)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.ID != first.ID {
		t.Errorf("claimed %s, want oldest request %s", claimed.ID, first.ID)
	}
	if claimed.Status != model.StatusInProgressRetryable {
		t.Errorf("claimed status = %s", claimed.Status)
	}

	// Cancel the second request, then try to overwrite: terminal
	// statuses must stick.
	if err := s.UpdateSyncbackStatus(ctx, second.ID, model.StatusCancelled, ""); err != nil {
		t.Fatalf("cancelling: %v", err)
	}
	if err := s.UpdateSyncbackStatus(ctx, second.ID, model.StatusSucceeded, ""); err != nil {
		t.Fatalf("overwrite attempt: %v", err)
	}
	got, err := s.GetSyncbackRequest(ctx, second.ID)
	if err != nil {
		t.Fatalf("GetSyncbackRequest: %v", err)
	}
	if got.Status != model.StatusCancelled {
		t.Errorf("status = %s, want CANCELLED to stick", got.Status)
	}
}

func TestClaimNextPendingRequestEmptyQueue(t *testing.T) {
	s := testutil.NewTestStore(t)
	a := seedAccount(t, s)

	_, err := s.ClaimNextPendingRequest(context.Background(), a.ID, model.StatusInProgressRetryable)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSentMessagesPagePaging(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	a := seedAccount(t, s)
	sent := seedFolder(t, s, a.ID, "cat-sent", "Sent")

	for i := 0; i < 5; i++ {
		seedMessage(t, s, a.ID, sent.ID, uint32(i+1), "msg-"+string(rune('a'+i)))
	}

	var (
		afterRow int64
		total    int
	)
	for {
		page, err := s.SentMessagesPage(ctx, sent.ID, afterRow, 2)
		if err != nil {
			t.Fatalf("SentMessagesPage: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for _, m := range page {
			if m.RowID <= afterRow {
				t.Fatalf("rowid %d not increasing past %d", m.RowID, afterRow)
			}
			afterRow = m.RowID
		}
		total += len(page)
	}
	if total != 5 {
		t.Errorf("paged %d messages, want 5", total)
	}
}

func TestContactUpsertRefreshesName(t *testing.T) {
	s := testutil.NewTestStore(t)
	ctx := context.Background()

	a := seedAccount(t, s)

	if err := s.UpsertContact(ctx, model.Contact{AccountID: a.ID, Name: "", Email: "x@example.com"}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := s.UpsertContact(ctx, model.Contact{AccountID: a.ID, Name: "Xavier", Email: "x@example.com"}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	// An empty name never clobbers a known one.
	if err := s.UpsertContact(ctx, model.Contact{AccountID: a.ID, Name: "", Email: "x@example.com"}); err != nil {
		t.Fatalf("third upsert: %v", err)
	}

	contacts, err := s.GetContacts(ctx, a.ID, store.Page{Limit: 10})
	if err != nil {
		t.Fatalf("GetContacts: %v", err)
	}
	if len(contacts) != 1 {
		t.Fatalf("got %d contacts, want 1", len(contacts))
	}
	if contacts[0].Name != "Xavier" {
		t.Errorf("name = %q, want Xavier", contacts[0].Name)
	}
}
