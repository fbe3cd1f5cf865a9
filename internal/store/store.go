package store

import (
	"context"
	"errors"
	"time"

	"github.com/mailmirror/mailmirror/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// CategoryFilter controls filtering and pagination for category queries.
type CategoryFilter struct {
	IsLabel *bool
	Limit   int
	Offset  int
}

// Page controls pagination for list queries.
type Page struct {
	Limit  int
	Offset int
}

// MessageAttrs is the flag/keyword subset of a message used by the
// reconciliation scans.
type MessageAttrs struct {
	MessageID string
	UID       uint32
	Unread    bool
	Starred   bool
	Keywords  []string
}

// AttrChange is one message whose stored attributes must be updated.
type AttrChange struct {
	MessageID string
	Unread    bool
	Starred   bool
	Keywords  []string
}

// SentMessage is the slice of a message needed for contact ranking.
type SentMessage struct {
	RowID int64
	Date  time.Time
	To    []model.Address
}

// Store defines the persistence interface for the local mail mirror.
type Store interface {
	// === Accounts ===

	UpsertAccount(ctx context.Context, a model.Account) error
	GetAccounts(ctx context.Context) ([]model.Account, error)
	GetAccountByID(ctx context.Context, id string) (*model.Account, error)

	// === Categories (folders and labels) ===

	UpsertCategory(ctx context.Context, c model.Category) error
	GetCategories(ctx context.Context, accountID string, f CategoryFilter) ([]model.Category, error)
	GetCategoryByID(ctx context.Context, id string) (*model.Category, error)
	GetCategoryByRole(ctx context.Context, accountID, role string) (*model.Category, error)
	GetCategoryByName(ctx context.Context, accountID, name string) (*model.Category, error)
	DeleteCategory(ctx context.Context, id string) error
	DeleteCategoriesNotNamed(ctx context.Context, accountID string, names []string) error
	UpdateCategoryName(ctx context.Context, id, name string) error
	UpdateSyncState(ctx context.Context, categoryID string, s model.SyncState) error

	// === Messages ===

	UpsertMessage(ctx context.Context, m model.Message) error
	GetMessageByID(ctx context.Context, id string) (*model.Message, error)
	GetMessagesByThread(ctx context.Context, accountID, threadID string) ([]model.Message, error)
	GetMessagesByHeaderMessageID(ctx context.Context, accountID, headerMessageID string) ([]model.Message, error)

	// GetFolderMessageAttrs returns flag attributes for every message
	// currently located in the folder, for scan diffing.
	GetFolderMessageAttrs(ctx context.Context, folderID string) ([]MessageAttrs, error)

	// ApplyAttrChanges commits a batch of flag/keyword updates
	// atomically: all rows update or none do.
	ApplyAttrChanges(ctx context.Context, changes []AttrChange) error

	// ClearFolderAssociations detaches every message in the folder from
	// its folder/UID location without deleting the rows. Idempotent.
	ClearFolderAssociations(ctx context.Context, folderID string) error

	// DetachMessages clears folder/UID location for the given message ids.
	DetachMessages(ctx context.Context, messageIDs []string) error

	// === Files ===

	UpsertFiles(ctx context.Context, files []model.File) error
	GetFilesForMessage(ctx context.Context, messageID string) ([]model.File, error)

	// === Contacts ===

	UpsertContact(ctx context.Context, c model.Contact) error
	GetContacts(ctx context.Context, accountID string, p Page) ([]model.Contact, error)
	GetContactByID(ctx context.Context, id string) (*model.Contact, error)

	// SentMessagesPage returns up to limit sent-folder messages with
	// rowid greater than afterRow, ordered by rowid, so ranking can
	// page through the table with bounded memory.
	SentMessagesPage(ctx context.Context, sentFolderID string, afterRow int64, limit int) ([]SentMessage, error)

	// === Syncback requests ===

	CreateSyncbackRequest(ctx context.Context, r model.SyncbackRequest) (*model.SyncbackRequest, error)
	GetSyncbackRequest(ctx context.Context, id string) (*model.SyncbackRequest, error)

	// ClaimNextPendingRequest atomically picks the oldest PENDING
	// request for the account and marks it in progress. Returns
	// ErrNotFound when the queue is empty.
	ClaimNextPendingRequest(ctx context.Context, accountID string, status model.RequestStatus) (*model.SyncbackRequest, error)

	UpdateSyncbackStatus(ctx context.Context, id string, status model.RequestStatus, errMsg string) error
	IncrementSyncbackAttempts(ctx context.Context, id string) error

	Close() error
}
