package sync

import (
	"context"
	"fmt"
	"strings"

	"github.com/emersion/go-imap/v2"

	"github.com/mailmirror/mailmirror/internal/imapx"
	"github.com/mailmirror/mailmirror/internal/model"
)

// fetchFolderList mirrors the remote mailbox tree into the categories
// table: new mailboxes appear, vanished ones are pruned, and
// special-use roles are refreshed. Gmail accounts record their
// mailboxes as labels, other providers as folders.
func (e *Engine) fetchFolderList(ctx context.Context, account model.Account, conn *imapx.Conn) error {
	boxes, err := conn.GetBoxes(ctx)
	if err != nil {
		return fmt.Errorf("fetching folder list: %w", err)
	}

	names := make([]string, 0, len(boxes))
	for _, b := range boxes {
		if hasAttr(b.Attrs, imap.MailboxAttrNoSelect) {
			continue
		}

		names = append(names, b.Mailbox)
		cat := model.Category{
			AccountID: account.ID,
			Name:      b.Mailbox,
			Role:      roleFromListData(b),
			IsLabel:   account.Provider == model.ProviderGmail,
		}
		if err := e.store.UpsertCategory(ctx, cat); err != nil {
			return err
		}
	}

	if err := e.store.DeleteCategoriesNotNamed(ctx, account.ID, names); err != nil {
		return err
	}

	e.log.Debug().
		Str("account", account.ID).
		Int("mailboxes", len(names)).
		Msg("folder list synced")
	return nil
}

// roleFromListData maps SPECIAL-USE attributes (and the INBOX name)
// onto local category roles.
func roleFromListData(b *imap.ListData) string {
	switch {
	case hasAttr(b.Attrs, imap.MailboxAttrSent):
		return model.RoleSent
	case hasAttr(b.Attrs, imap.MailboxAttrTrash):
		return model.RoleTrash
	case hasAttr(b.Attrs, imap.MailboxAttrAll):
		return model.RoleAll
	case hasAttr(b.Attrs, imap.MailboxAttrArchive):
		return model.RoleArchive
	case hasAttr(b.Attrs, imap.MailboxAttrDrafts):
		return model.RoleDrafts
	case hasAttr(b.Attrs, imap.MailboxAttrJunk):
		return model.RoleSpam
	case strings.EqualFold(b.Mailbox, "INBOX"):
		return model.RoleInbox
	default:
		return ""
	}
}

func hasAttr(attrs []imap.MailboxAttr, want imap.MailboxAttr) bool {
	for _, a := range attrs {
		if a == want {
			return true
		}
	}
	return false
}
