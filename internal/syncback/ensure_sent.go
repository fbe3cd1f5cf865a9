package syncback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message/mail"

	"github.com/mailmirror/mailmirror/internal/model"
	"github.com/mailmirror/mailmirror/internal/store"
)

// labelSentKeyword marks a mirrored copy as sent mail when there is
// no Sent-role mailbox to file it into.
const labelSentKeyword = imap.Flag("$Sent")

// ensureMessageInSentFolder guarantees the message exists exactly once
// in the account's sent mail. For ordinary IMAP providers the raw
// message is appended to the sent folder. For Gmail accounts that file
// one sent copy per recipient, the per-recipient duplicates are first
// swept out of All Mail, then the canonical copy is appended.
func (r *Runner) ensureMessageInSentFolder(ctx context.Context, req *model.SyncbackRequest) (Result, error) {
	var props EnsureSentProps
	if err := decodeProps(req.Props, &props); err != nil {
		return Result{}, err
	}
	if props.MessageID == "" {
		return Result{}, permanent(errors.New("messageId is required"))
	}

	msg, err := r.store.GetMessageByID(ctx, props.MessageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, permanent(fmt.Errorf("message %s does not exist", props.MessageID))
		}
		return Result{}, err
	}

	if r.account.Provider == model.ProviderGmail && r.account.SentPerRecipient {
		return r.ensureSentGmail(ctx, msg)
	}
	return r.ensureSentGeneric(ctx, msg)
}

func (r *Runner) ensureSentGeneric(ctx context.Context, msg *model.Message) (Result, error) {
	sent, err := r.store.GetCategoryByRole(ctx, r.account.ID, model.RoleSent)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, permanent(errors.New("account has no sent folder"))
		}
		return Result{}, err
	}

	raw, err := buildRawMessage(msg)
	if err != nil {
		return Result{}, permanent(err)
	}

	if err := r.session.Append(ctx, sent.Name, raw, []imap.Flag{imap.FlagSeen}, ensureDateNotZero(msg.Date)); err != nil {
		return Result{}, err
	}

	if err := r.session.FetchNew(ctx, sent); err != nil {
		r.log.Warn().Err(err).Str("folder", sent.Name).Msg("post-append fetch failed")
	}
	return Result{}, nil
}

// ensureSentGmail removes the per-recipient copies Gmail's sending
// path filed into All Mail, then appends the single canonical copy.
// Duplicate cleanup is best effort: a failure there is logged, not
// fatal, since the append alone still converges the thread.
func (r *Runner) ensureSentGmail(ctx context.Context, msg *model.Message) (Result, error) {
	allMail, err := r.store.GetCategoryByRole(ctx, r.account.ID, model.RoleAll)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, permanent(errors.New("gmail account has no all-mail folder"))
		}
		return Result{}, err
	}

	box, err := r.session.OpenBox(ctx, allMail.Name, false)
	if err != nil {
		return Result{}, err
	}

	if err := r.sweepDuplicates(ctx, box, msg.HeaderMessageID); err != nil {
		r.log.Warn().Err(err).
			Str("messageId", msg.ID).
			Msg("sent duplicate cleanup failed")
	}

	raw, err := buildRawMessage(msg)
	if err != nil {
		return Result{}, permanent(err)
	}

	// Appending into the Sent-role mailbox both applies the Sent
	// label and files the copy into All Mail, since every Gmail
	// message lives in All Mail. Without a Sent mailbox, fall back
	// to All Mail with an explicit keyword so the copy still
	// surfaces in the sent view.
	target := allMail
	flags := []imap.Flag{imap.FlagSeen, labelSentKeyword}
	if sent, err := r.store.GetCategoryByRole(ctx, r.account.ID, model.RoleSent); err == nil {
		target = sent
		flags = []imap.Flag{imap.FlagSeen}
	} else if !errors.Is(err, store.ErrNotFound) {
		return Result{}, err
	}
	if err := r.session.Append(ctx, target.Name, raw, flags, ensureDateNotZero(msg.Date)); err != nil {
		return Result{}, err
	}

	if err := r.session.FetchNew(ctx, target); err != nil {
		r.log.Warn().Err(err).Str("folder", target.Name).Msg("post-append fetch failed")
	}
	return Result{}, nil
}

// sweepDuplicates finds every copy of the message in the open box by
// its Message-Id header, moves them to trash, and expunges them there.
func (r *Runner) sweepDuplicates(ctx context.Context, box mailbox, headerMessageID string) error {
	if headerMessageID == "" {
		return nil
	}

	uids, err := box.SearchHeader(ctx, "Message-Id", headerMessageID)
	if err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}

	trash, err := r.store.GetCategoryByRole(ctx, r.account.ID, model.RoleTrash)
	if err != nil {
		return err
	}

	set := imap.UIDSetNum(uids...)
	if err := box.MoveFromBox(ctx, set, trash.Name); err != nil {
		return err
	}

	trashBox, err := r.session.OpenBox(ctx, trash.Name, false)
	if err != nil {
		return err
	}

	moved, err := trashBox.SearchHeader(ctx, "Message-Id", headerMessageID)
	if err != nil {
		return err
	}
	if len(moved) > 0 {
		if err := trashBox.AddFlags(ctx, imap.UIDSetNum(moved...), []imap.Flag{imap.FlagDeleted}); err != nil {
			return err
		}
		if err := trashBox.Expunge(ctx); err != nil {
			return err
		}
	}
	return nil
}

// buildRawMessage renders a model.Message back to RFC 822 wire form.
// The stored raw header is preferred; otherwise a minimal header is
// reconstructed from the parsed fields.
func buildRawMessage(msg *model.Message) ([]byte, error) {
	if len(msg.RawHeader) > 0 && msg.BodyText != "" {
		var b bytes.Buffer
		b.Write(msg.RawHeader)
		if !bytes.HasSuffix(msg.RawHeader, []byte("\r\n\r\n")) {
			b.WriteString("\r\n")
		}
		b.WriteString(msg.BodyText)
		return b.Bytes(), nil
	}

	var b bytes.Buffer
	var h mail.Header
	h.SetDate(msg.Date)
	h.SetSubject(msg.Subject)
	h.SetAddressList("From", toMailAddresses(msg.From))
	h.SetAddressList("To", toMailAddresses(msg.To))
	if len(msg.Cc) > 0 {
		h.SetAddressList("Cc", toMailAddresses(msg.Cc))
	}
	if msg.HeaderMessageID != "" {
		h.SetMessageID(strings.Trim(msg.HeaderMessageID, "<>"))
	}

	mw, err := mail.CreateWriter(&b, h)
	if err != nil {
		return nil, fmt.Errorf("creating message writer: %w", err)
	}

	tw, err := mw.CreateInline()
	if err != nil {
		return nil, fmt.Errorf("creating inline writer: %w", err)
	}

	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	pw, err := tw.CreatePart(th)
	if err != nil {
		return nil, fmt.Errorf("creating text part: %w", err)
	}
	if _, err := io.WriteString(pw, msg.BodyText); err != nil {
		return nil, err
	}
	pw.Close()

	if msg.BodyHTML != "" {
		var hh mail.InlineHeader
		hh.SetContentType("text/html", map[string]string{"charset": "utf-8"})
		hw, err := tw.CreatePart(hh)
		if err != nil {
			return nil, fmt.Errorf("creating html part: %w", err)
		}
		if _, err := io.WriteString(hw, msg.BodyHTML); err != nil {
			return nil, err
		}
		hw.Close()
	}

	tw.Close()
	mw.Close()
	return b.Bytes(), nil
}

func toMailAddresses(addrs []model.Address) []*mail.Address {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, &mail.Address{Name: a.Name, Address: a.Email})
	}
	return out
}

// ensureDateNotZero guards Append against a zero internal date.
func ensureDateNotZero(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
