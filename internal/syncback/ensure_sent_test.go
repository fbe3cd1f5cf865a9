package syncback

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/rs/zerolog"

	"github.com/mailmirror/mailmirror/internal/model"
	"github.com/mailmirror/mailmirror/internal/store"
)

// fakeStore serves the lookups the push tasks need from maps. The
// embedded nil Store panics on anything else, catching unexpected
// calls.
type fakeStore struct {
	store.Store

	messages   map[string]*model.Message
	byRole     map[string]*model.Category
	byID       map[string]*model.Category
	requests   map[string]*model.SyncbackRequest
	created    []model.SyncbackRequest
	statusLog  []model.RequestStatus
	lastStatus model.RequestStatus
}

func (f *fakeStore) GetMessageByID(_ context.Context, id string) (*model.Message, error) {
	if m, ok := f.messages[id]; ok {
		return m, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetCategoryByRole(_ context.Context, _ string, role string) (*model.Category, error) {
	if c, ok := f.byRole[role]; ok {
		return c, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetCategoryByID(_ context.Context, id string) (*model.Category, error) {
	if c, ok := f.byID[id]; ok {
		return c, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetSyncbackRequest(_ context.Context, id string) (*model.SyncbackRequest, error) {
	if r, ok := f.requests[id]; ok {
		return r, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) UpdateSyncbackStatus(_ context.Context, _ string, status model.RequestStatus, _ string) error {
	f.statusLog = append(f.statusLog, status)
	f.lastStatus = status
	return nil
}

func (f *fakeStore) CreateSyncbackRequest(_ context.Context, r model.SyncbackRequest) (*model.SyncbackRequest, error) {
	f.created = append(f.created, r)
	return &r, nil
}

// fakeMailbox records the mutations a task issues against one open
// box and answers header searches from a canned UID list.
type fakeMailbox struct {
	searchUIDs []imap.UID

	moved    []imap.UIDSet
	movedTo  []string
	flagged  []imap.Flag
	expunged bool
	searches int
}

func (b *fakeMailbox) SearchHeader(_ context.Context, _, _ string) ([]imap.UID, error) {
	b.searches++
	return b.searchUIDs, nil
}

func (b *fakeMailbox) MoveFromBox(_ context.Context, uids imap.UIDSet, dest string) error {
	b.moved = append(b.moved, uids)
	b.movedTo = append(b.movedTo, dest)
	return nil
}

func (b *fakeMailbox) AddFlags(_ context.Context, _ imap.UIDSet, flags []imap.Flag) error {
	b.flagged = append(b.flagged, flags...)
	return nil
}

func (b *fakeMailbox) Expunge(_ context.Context) error {
	b.expunged = true
	return nil
}

type appendCall struct {
	mailbox string
	flags   []imap.Flag
}

// fakeSession hands out fakeMailboxes by name and records appends and
// re-fetch requests.
type fakeSession struct {
	boxes map[string]*fakeMailbox

	appends   []appendCall
	fetched   []string
	specifics [][]imap.UID
}

func (s *fakeSession) OpenBox(_ context.Context, name string, _ bool) (mailbox, error) {
	if b, ok := s.boxes[name]; ok {
		return b, nil
	}
	b := &fakeMailbox{}
	if s.boxes == nil {
		s.boxes = map[string]*fakeMailbox{}
	}
	s.boxes[name] = b
	return b, nil
}

func (s *fakeSession) Append(_ context.Context, mailboxName string, _ []byte, flags []imap.Flag, _ time.Time) error {
	s.appends = append(s.appends, appendCall{mailbox: mailboxName, flags: flags})
	return nil
}

func (s *fakeSession) CreateBox(_ context.Context, _ string) error { return nil }

func (s *fakeSession) RenameBox(_ context.Context, _, _ string) error { return nil }

func (s *fakeSession) DeleteBox(_ context.Context, _ string) error { return nil }

func (s *fakeSession) FetchNew(_ context.Context, folder *model.Category) error {
	s.fetched = append(s.fetched, folder.Name)
	return nil
}

func (s *fakeSession) FetchSpecific(_ context.Context, _ *model.Category, uids []imap.UID) error {
	s.specifics = append(s.specifics, uids)
	return nil
}

func TestEnsureSentGmailSweepsDuplicates(t *testing.T) {
	account := model.Account{
		ID:               "acct-1",
		Provider:         model.ProviderGmail,
		SentPerRecipient: true,
	}

	allBox := &fakeMailbox{searchUIDs: []imap.UID{101, 102, 103}}
	trashBox := &fakeMailbox{searchUIDs: []imap.UID{7, 8, 9}}
	sess := &fakeSession{boxes: map[string]*fakeMailbox{
		"[Gmail]/All Mail": allBox,
		"Trash":            trashBox,
	}}

	fs := &fakeStore{
		messages: map[string]*model.Message{
			"msg-1": {
				ID:              "msg-1",
				AccountID:       account.ID,
				HeaderMessageID: "<sent@example.com>",
				Subject:         "hello",
				Date:            time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC),
				From:            []model.Address{{Email: "me@example.com"}},
				To:              []model.Address{{Email: "a@example.com"}},
				BodyText:        "body",
			},
		},
		byRole: map[string]*model.Category{
			model.RoleAll:   {ID: "cat-all", Name: "[Gmail]/All Mail", Role: model.RoleAll},
			model.RoleTrash: {ID: "cat-trash", Name: "Trash", Role: model.RoleTrash},
			model.RoleSent:  {ID: "cat-sent", Name: "[Gmail]/Sent Mail", Role: model.RoleSent},
		},
	}

	r := &Runner{store: fs, session: sess, log: zerolog.Nop(), account: account}

	props, _ := json.Marshal(EnsureSentProps{MessageID: "msg-1"})
	_, err := r.ensureMessageInSentFolder(context.Background(), &model.SyncbackRequest{
		ID:        "req-1",
		AccountID: account.ID,
		Type:      model.RequestEnsureMessageInSentFolder,
		Props:     props,
	})
	if err != nil {
		t.Fatalf("ensureMessageInSentFolder: %v", err)
	}

	// The three per-recipient copies move from All Mail to trash and
	// get expunged there.
	if len(allBox.moved) != 1 || allBox.movedTo[0] != "Trash" {
		t.Fatalf("moved = %v to %v, want one move to Trash", allBox.moved, allBox.movedTo)
	}
	wantDeleted := false
	for _, f := range trashBox.flagged {
		if f == imap.FlagDeleted {
			wantDeleted = true
		}
	}
	if !wantDeleted || !trashBox.expunged {
		t.Errorf("trash deleted=%v expunged=%v, want flagged \\Deleted and expunged", wantDeleted, trashBox.expunged)
	}

	// Exactly one canonical copy, filed into the Sent mailbox.
	if len(sess.appends) != 1 {
		t.Fatalf("got %d appends, want 1", len(sess.appends))
	}
	if sess.appends[0].mailbox != "[Gmail]/Sent Mail" {
		t.Errorf("appended to %q, want the sent mailbox", sess.appends[0].mailbox)
	}
	if len(sess.fetched) != 1 || sess.fetched[0] != "[Gmail]/Sent Mail" {
		t.Errorf("fetched = %v, want a single re-fetch of the sent mailbox", sess.fetched)
	}
}

func TestEnsureSentGmailWithoutSentMailboxUsesKeyword(t *testing.T) {
	account := model.Account{
		ID:               "acct-1",
		Provider:         model.ProviderGmail,
		SentPerRecipient: true,
	}

	sess := &fakeSession{boxes: map[string]*fakeMailbox{
		"[Gmail]/All Mail": {},
	}}
	fs := &fakeStore{
		messages: map[string]*model.Message{
			"msg-1": {
				ID:       "msg-1",
				Subject:  "hello",
				Date:     time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC),
				From:     []model.Address{{Email: "me@example.com"}},
				To:       []model.Address{{Email: "a@example.com"}},
				BodyText: "body",
			},
		},
		byRole: map[string]*model.Category{
			model.RoleAll: {ID: "cat-all", Name: "[Gmail]/All Mail", Role: model.RoleAll},
		},
	}

	r := &Runner{store: fs, session: sess, log: zerolog.Nop(), account: account}

	props, _ := json.Marshal(EnsureSentProps{MessageID: "msg-1"})
	_, err := r.ensureMessageInSentFolder(context.Background(), &model.SyncbackRequest{
		ID:        "req-1",
		AccountID: account.ID,
		Type:      model.RequestEnsureMessageInSentFolder,
		Props:     props,
	})
	if err != nil {
		t.Fatalf("ensureMessageInSentFolder: %v", err)
	}

	if len(sess.appends) != 1 || sess.appends[0].mailbox != "[Gmail]/All Mail" {
		t.Fatalf("appends = %v, want one append to All Mail", sess.appends)
	}
	hasKeyword := false
	for _, f := range sess.appends[0].flags {
		if f == labelSentKeyword {
			hasKeyword = true
		}
	}
	if !hasKeyword {
		t.Error("append without a Sent mailbox must carry the sent keyword flag")
	}
}
