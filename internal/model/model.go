package model

import (
	"encoding/json"
	"time"
)

// Provider identifies the kind of IMAP backend an account talks to.
type Provider string

const (
	ProviderGmail Provider = "gmail"
	ProviderIMAP  Provider = "imap"
)

// AuthMethod identifies how an account authenticates against its server.
type AuthMethod string

const (
	AuthPassword AuthMethod = "password"
	AuthOAuth2   AuthMethod = "oauth2"
)

// Account holds the connection settings for one synced mailbox.
// Secrets (password or OAuth refresh token) live in the system keyring,
// keyed by the account ID; only non-secret settings are persisted here.
type Account struct {
	ID         string     `db:"id"`
	Email      string     `db:"email"`
	Provider   Provider   `db:"provider"`
	IMAPHost   string     `db:"imap_host"`
	IMAPPort   int        `db:"imap_port"`
	Username   string     `db:"username"`
	AuthMethod AuthMethod `db:"auth_method"`

	// SentPerRecipient is set for Gmail accounts whose sending path
	// creates one sent copy per recipient message.
	SentPerRecipient bool `db:"sent_per_recipient"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Category role values derived from SPECIAL-USE attributes at list time.
const (
	RoleInbox   = "inbox"
	RoleSent    = "sent"
	RoleTrash   = "trash"
	RoleAll     = "all"
	RoleArchive = "archive"
	RoleDrafts  = "drafts"
	RoleSpam    = "spam"
)

// Category is a remote mailbox container: a Folder for plain IMAP
// providers, a Label under Gmail's label model. Identified by the
// server-assigned name within one account.
type Category struct {
	ID        string    `db:"id"`
	AccountID string    `db:"account_id"`
	Name      string    `db:"name"`
	Role      string    `db:"role"`
	IsLabel   bool      `db:"is_label"`
	SyncState SyncState `db:"-"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// SyncState is the per-folder pull-side checkpoint record. It is only
// ever advanced after a range or scan fully succeeds, so a crashed or
// failed run resumes from the last durable checkpoint.
//
// Invariant: FetchedMin <= FetchedMax whenever both are set, and a
// change in UIDValidity invalidates every UID association recorded
// under the previous value.
type SyncState struct {
	FetchedMin        uint32    `json:"fetchedmin"`
	FetchedMax        uint32    `json:"fetchedmax"`
	UIDValidity       uint32    `json:"uidvalidity"`
	HighestModSeq     uint64    `json:"highestmodseq"`
	TimeShallowScan   time.Time `json:"time_shallow_scan"`
	TimeDeepScan      time.Time `json:"time_deep_scan"`
	TimeFetchedUnseen time.Time `json:"time_fetched_unseen"`
}

// Equal reports whether two sync states carry identical checkpoint data.
// Used to avoid needless database writes after a no-op range.
func (s SyncState) Equal(o SyncState) bool {
	return s.FetchedMin == o.FetchedMin &&
		s.FetchedMax == o.FetchedMax &&
		s.UIDValidity == o.UIDValidity &&
		s.HighestModSeq == o.HighestModSeq &&
		s.TimeShallowScan.Equal(o.TimeShallowScan) &&
		s.TimeDeepScan.Equal(o.TimeDeepScan) &&
		s.TimeFetchedUnseen.Equal(o.TimeFetchedUnseen)
}

// Address is a single mail participant.
type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// Message is the local mirror of one remote MIME message. It is keyed
// by a content hash that stays stable across UID churn; FolderID and
// FolderImapUID are the volatile location fields, valid only for the
// uidvalidity epoch they were recorded under.
//
// A Message with FolderImapUID == nil is known to exist (by hash) but
// is not currently located in a known folder/UID. This happens after
// uidvalidity recovery or folder removal; the row is never deleted for
// that reason alone.
type Message struct {
	ID              string  `db:"id"`
	AccountID       string  `db:"account_id"`
	Hash            string  `db:"hash"`
	ThreadID        string  `db:"thread_id"`
	FolderID        *string `db:"folder_id"`
	FolderImapUID   *uint32 `db:"folder_imap_uid"`
	Unread          bool    `db:"unread"`
	Starred         bool    `db:"starred"`
	LabelKeywords   []string
	Date            time.Time `db:"date"`
	HeaderMessageID string    `db:"header_message_id"`
	Subject         string    `db:"subject"`
	From            []Address
	To              []Address
	Cc              []Address
	BodyText        string    `db:"body_text"`
	BodyHTML        string    `db:"body_html"`
	RawHeader       []byte    `db:"raw_header"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// File is attachment metadata extracted from a message's MIME
// structure. Owned by exactly one Message.
type File struct {
	ID          string    `db:"id"`
	AccountID   string    `db:"account_id"`
	MessageID   string    `db:"message_id"`
	Filename    string    `db:"filename"`
	ContentType string    `db:"content_type"`
	Size        int64     `db:"size"`
	PartID      string    `db:"part_id"`
	CreatedAt   time.Time `db:"created_at"`
}

// Contact is a mail participant seen on a synced message.
type Contact struct {
	ID        string    `db:"id"`
	AccountID string    `db:"account_id"`
	Name      string    `db:"name"`
	Email     string    `db:"email"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// RequestStatus is the lifecycle state of a SyncbackRequest.
type RequestStatus string

const (
	StatusPending                RequestStatus = "PENDING"
	StatusInProgressRetryable    RequestStatus = "INPROGRESS-RETRYABLE"
	StatusInProgressNotRetryable RequestStatus = "INPROGRESS-NOTRETRYABLE"
	StatusSucceeded              RequestStatus = "SUCCEEDED"
	StatusFailed                 RequestStatus = "FAILED"
	StatusCancelled              RequestStatus = "CANCELLED"
)

// Terminal reports whether a status is final.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// RequestType enumerates the closed set of syncback task kinds.
// Dispatch is an exhaustive switch, not a runtime registry.
type RequestType string

const (
	RequestMoveThreadToFolder        RequestType = "MoveThreadToFolder"
	RequestEnsureMessageInSentFolder RequestType = "EnsureMessageInSentFolder"
	RequestSyncUnknownUIDs           RequestType = "SyncUnknownUIDs"
	RequestCreateCategory            RequestType = "CreateCategory"
	RequestRenameFolder              RequestType = "RenameFolder"
	RequestRenameLabel               RequestType = "RenameLabel"
	RequestDeleteFolder              RequestType = "DeleteFolder"
	RequestDeleteLabel               RequestType = "DeleteLabel"
)

// SyncbackRequest is a persisted, ordered push-direction command: one
// local mutation intent, consumed by exactly one syncback task run.
// A task may spawn a follow-on request of its own type (continuation).
type SyncbackRequest struct {
	ID        string          `db:"id"`
	AccountID string          `db:"account_id"`
	Type      RequestType     `db:"type"`
	Props     json.RawMessage `db:"props"`
	Status    RequestStatus   `db:"status"`
	Error     string          `db:"error"`
	Attempts  int             `db:"attempts"`
	CreatedAt time.Time       `db:"created_at"`
	UpdatedAt time.Time       `db:"updated_at"`
}
