package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/google/uuid"

	"github.com/mailmirror/mailmirror/internal/imapx"
	"github.com/mailmirror/mailmirror/internal/model"
	"github.com/mailmirror/mailmirror/internal/store"
)

// fetchMessagesInFolder is the full pull-side reconciliation pass for
// one folder: open and validate the box, recover from a uidvalidity
// change, pull unsynced UID ranges, then run a shallow or deep
// attribute scan. The sync state only advances after a range or scan
// fully succeeds, so a failed run resumes from the last checkpoint.
func (e *Engine) fetchMessagesInFolder(ctx context.Context, account model.Account, conn *imapx.Conn, folder *model.Category) error {
	box, st, err := e.openAndValidate(ctx, conn, folder)
	if err != nil {
		return err
	}

	if err := e.fetchUnsyncedRanges(ctx, account, box, folder, &st, false); err != nil {
		return err
	}

	deepInterval := time.Duration(e.cfg.DeepScanIntervalSec) * time.Second
	if time.Since(st.TimeDeepScan) >= deepInterval {
		return e.deepScan(ctx, box, folder, st)
	}
	return e.shallowScan(ctx, conn, box, folder, st)
}

// fetchNewMessagesInFolder pulls only the forward range (new mail) so
// a syncback task or push notification can converge the local mirror
// quickly without paying for scans or backfill.
func (e *Engine) fetchNewMessagesInFolder(ctx context.Context, account model.Account, conn *imapx.Conn, folder *model.Category) error {
	box, st, err := e.openAndValidate(ctx, conn, folder)
	if err != nil {
		return err
	}
	return e.fetchUnsyncedRanges(ctx, account, box, folder, &st, true)
}

// fetchSpecificMessagesInFolder fetches an explicit UID list, e.g.
// UIDs surfaced by a push notification that are not yet known locally.
// It never advances the folder checkpoint.
func (e *Engine) fetchSpecificMessagesInFolder(ctx context.Context, account model.Account, conn *imapx.Conn, folder *model.Category, uids []imap.UID) error {
	if len(uids) == 0 {
		return nil
	}

	box, _, err := e.openAndValidate(ctx, conn, folder)
	if err != nil {
		return err
	}

	return e.fetchRange(ctx, account, box, folder, imap.UIDSetNum(uids...))
}

// openAndValidate opens the folder's box, rejects providers without
// stable UIDs, and performs uidvalidity recovery when the server's
// epoch differs from the stored one: every local message tied to this
// folder loses its folder/UID association (rows are kept, addressable
// by hash) and the fetch window restarts under the new epoch.
func (e *Engine) openAndValidate(ctx context.Context, conn *imapx.Conn, folder *model.Category) (*imapx.Box, model.SyncState, error) {
	box, err := conn.OpenBox(ctx, folder.Name, false)
	if err != nil {
		return nil, model.SyncState{}, err
	}

	if !box.PersistentUIDs {
		return nil, model.SyncState{}, fmt.Errorf(
			"folder %s does not support persistent UIDs", folder.Name)
	}

	st := folder.SyncState
	if st.UIDValidity != 0 && st.UIDValidity != box.UIDValidity {
		e.log.Warn().
			Str("folder", folder.Name).
			Uint32("stored", st.UIDValidity).
			Uint32("reported", box.UIDValidity).
			Msg("uidvalidity changed, clearing UID associations")

		if err := e.store.ClearFolderAssociations(ctx, folder.ID); err != nil {
			return nil, model.SyncState{}, err
		}

		st = model.SyncState{}
		folder.SyncState = st
		if err := e.store.UpdateSyncState(ctx, folder.ID, st); err != nil {
			return nil, model.SyncState{}, err
		}
	}

	return box, st, nil
}

// fetchUnsyncedRanges computes and pulls the folder's outstanding UID
// ranges. Each fully fetched range durably widens the checkpoint
// window before the next range starts; a partial range advances
// nothing.
func (e *Engine) fetchUnsyncedRanges(ctx context.Context, account model.Account, box *imapx.Box, folder *model.Category, st *model.SyncState, forwardOnly bool) error {
	ranges := computeFetchRanges(*st, uint32(box.UIDNext), e.cfg.FetchFirstCount, e.cfg.FetchBatchCount)
	if forwardOnly && len(ranges) > 1 {
		ranges = ranges[:1]
	}

	for _, r := range ranges {
		if err := e.fetchRange(ctx, account, box, folder, r.set()); err != nil {
			return err
		}

		updated := expandSyncState(*st, r, box.UIDValidity, time.Now().UTC())
		if updated.Equal(*st) {
			continue
		}
		*st = updated
		folder.SyncState = updated
		if err := e.store.UpdateSyncState(ctx, folder.ID, updated); err != nil {
			return err
		}
	}

	return nil
}

// fetchRange pulls one UID set in two passes: first the MIME structure
// to decide which body parts each message needs, then one fetch per
// distinct part-set retrieving HEADER plus exactly those parts.
func (e *Engine) fetchRange(ctx context.Context, account model.Account, box *imapx.Box, folder *model.Category, uids imap.UIDSet) error {
	if len(uids) == 0 {
		return nil
	}

	type structInfo struct {
		desired     []partInfo
		attachments []partInfo
	}
	structures := make(map[imap.UID]structInfo)

	structOpts := &imap.FetchOptions{
		UID:           true,
		BodyStructure: &imap.FetchItemBodyStructure{Extended: true},
	}
	err := box.FetchEach(ctx, uids, structOpts, func(buf *imapclient.FetchMessageBuffer) error {
		desired, attachments := collectParts(buf.BodyStructure)
		structures[buf.UID] = structInfo{desired: desired, attachments: attachments}
		return nil
	})
	if err != nil {
		return err
	}

	// Group UIDs by the exact set of parts they want so the second
	// pass fetches each section list only once.
	groups := make(map[string][]imap.UID)
	groupParts := make(map[string][]partInfo)
	for uid, info := range structures {
		key := partsKey(info.desired)
		groups[key] = append(groups[key], uid)
		groupParts[key] = info.desired
	}

	for key, groupUIDs := range groups {
		parts := groupParts[key]

		headerSection := &imap.FetchItemBodySection{
			Specifier: imap.PartSpecifierHeader,
			Peek:      true,
		}
		sections := []*imap.FetchItemBodySection{headerSection}
		sectionParts := make(map[*imap.FetchItemBodySection]partInfo, len(parts))
		for _, p := range parts {
			section := &imap.FetchItemBodySection{Part: p.Path, Peek: true}
			sections = append(sections, section)
			sectionParts[section] = p
		}

		options := &imap.FetchOptions{
			UID:          true,
			Flags:        true,
			Envelope:     true,
			InternalDate: true,
			BodySection:  sections,
		}

		err := box.FetchEach(ctx, imap.UIDSetNum(groupUIDs...), options, func(buf *imapclient.FetchMessageBuffer) error {
			info := structures[buf.UID]
			return e.processMessage(ctx, account, folder, buf, headerSection, sectionParts, info.attachments)
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// processMessage upserts one fetched message into the mirror: the
// Message row keyed by content hash, its attachment Files, and the
// contacts it names.
func (e *Engine) processMessage(
	ctx context.Context,
	account model.Account,
	folder *model.Category,
	buf *imapclient.FetchMessageBuffer,
	headerSection *imap.FetchItemBodySection,
	sectionParts map[*imap.FetchItemBodySection]partInfo,
	attachments []partInfo,
) error {
	env := buf.Envelope
	if env == nil {
		return fmt.Errorf("message UID %d in %s has no envelope", uint32(buf.UID), folder.Name)
	}

	attrs := attrsFromFlags(buf.Flags)
	from := convertAddresses(env.From)

	date := env.Date
	if date.IsZero() {
		date = buf.InternalDate
	}

	hash := messageHash(env.MessageID, env.Subject, date, from)
	uid := uint32(buf.UID)

	msg := model.Message{
		ID:              messageID(account.ID, hash),
		AccountID:       account.ID,
		Hash:            hash,
		ThreadID:        threadID(account.ID, env.Subject),
		FolderID:        &folder.ID,
		FolderImapUID:   &uid,
		Unread:          attrs.Unread,
		Starred:         attrs.Starred,
		LabelKeywords:   attrs.Keywords,
		Date:            date,
		HeaderMessageID: env.MessageID,
		Subject:         env.Subject,
		From:            from,
		To:              convertAddresses(env.To),
		Cc:              convertAddresses(env.Cc),
		RawHeader:       buf.FindBodySection(headerSection),
	}

	for section, part := range sectionParts {
		raw := buf.FindBodySection(section)
		if raw == nil {
			continue
		}
		body := string(decodeTransferEncoding(part.Encoding, raw))
		switch part.MediaType {
		case mediaTextPlain, mediaPGPEncrypted:
			msg.BodyText = body
		case mediaTextHTML:
			msg.BodyHTML = body
		}
	}

	if err := e.store.UpsertMessage(ctx, msg); err != nil {
		return err
	}

	files := make([]model.File, 0, len(attachments))
	for _, a := range attachments {
		files = append(files, model.File{
			ID:          uuid.New().String(),
			AccountID:   account.ID,
			MessageID:   msg.ID,
			Filename:    a.Filename,
			ContentType: a.MediaType,
			Size:        int64(a.Size),
			PartID:      a.pathString(),
		})
	}
	if err := e.store.UpsertFiles(ctx, files); err != nil {
		return err
	}

	return e.upsertContacts(ctx, account.ID, msg)
}

func (e *Engine) upsertContacts(ctx context.Context, accountID string, msg model.Message) error {
	for _, group := range [][]model.Address{msg.From, msg.To, msg.Cc} {
		for _, a := range group {
			err := e.store.UpsertContact(ctx, model.Contact{
				AccountID: accountID,
				Name:      a.Name,
				Email:     a.Email,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// shallowScan reconciles flag attributes over a bounded recent window.
// With CONDSTORE the server returns only messages changed since the
// stored highestmodseq; otherwise the most recent ShallowScanUIDCount
// UIDs are scanned. Messages absent from the remote map are left
// alone: only the deep scan may conclude removal.
func (e *Engine) shallowScan(ctx context.Context, conn *imapx.Conn, box *imapx.Box, folder *model.Category, st model.SyncState) error {
	if st.FetchedMax == 0 {
		return e.persistScanState(ctx, folder, st, box.HighestModSeq, false)
	}

	var (
		scanSet  imap.UIDSet
		scanMin  uint32
		modSince uint64
	)

	if conn.SupportsCondStore() && st.HighestModSeq > 0 {
		scanMin = st.FetchedMin
		modSince = st.HighestModSeq
		scanSet.AddRange(imap.UID(st.FetchedMin), imap.UID(st.FetchedMax))
	} else {
		scanMin = 1
		if uint32(box.UIDNext) > e.cfg.ShallowScanUIDCount {
			scanMin = uint32(box.UIDNext) - e.cfg.ShallowScanUIDCount
		}
		scanSet.AddRange(imap.UID(scanMin), imap.UID(box.UIDNext))
	}

	remote, err := box.FetchUIDAttributes(ctx, scanSet, modSince)
	if err != nil {
		return err
	}

	local, err := e.store.GetFolderMessageAttrs(ctx, folder.ID)
	if err != nil {
		return err
	}
	window := filterAttrsWindow(local, scanMin, uint32(box.UIDNext))

	changes, _ := diffAttributes(window, remote)
	if err := e.store.ApplyAttrChanges(ctx, changes); err != nil {
		return err
	}

	e.log.Debug().
		Str("folder", folder.Name).
		Int("changed", len(changes)).
		Msg("shallow scan complete")

	return e.persistScanState(ctx, folder, st, box.HighestModSeq, false)
}

// deepScan reconciles flags and existence over the entire previously
// fetched range: any local message in the window whose UID is absent
// remotely has been removed from the folder and is detached (never
// hard-deleted).
func (e *Engine) deepScan(ctx context.Context, box *imapx.Box, folder *model.Category, st model.SyncState) error {
	if st.FetchedMax == 0 {
		return e.persistScanState(ctx, folder, st, box.HighestModSeq, true)
	}

	var scanSet imap.UIDSet
	scanSet.AddRange(imap.UID(st.FetchedMin), imap.UID(st.FetchedMax))

	remote, err := box.FetchUIDAttributes(ctx, scanSet, 0)
	if err != nil {
		return err
	}

	local, err := e.store.GetFolderMessageAttrs(ctx, folder.ID)
	if err != nil {
		return err
	}
	window := filterAttrsWindow(local, st.FetchedMin, st.FetchedMax)

	changes, missing := diffAttributes(window, remote)
	if err := e.store.ApplyAttrChanges(ctx, changes); err != nil {
		return err
	}
	if err := e.store.DetachMessages(ctx, missing); err != nil {
		return err
	}

	e.log.Debug().
		Str("folder", folder.Name).
		Int("changed", len(changes)).
		Int("removed", len(missing)).
		Msg("deep scan complete")

	return e.persistScanState(ctx, folder, st, box.HighestModSeq, true)
}

// persistScanState stamps the scan checkpoints, writing only when a
// field actually changed.
func (e *Engine) persistScanState(ctx context.Context, folder *model.Category, st model.SyncState, highestModSeq uint64, deep bool) error {
	updated := st
	now := time.Now().UTC()
	if highestModSeq > 0 {
		updated.HighestModSeq = highestModSeq
	}
	updated.TimeShallowScan = now
	if deep {
		updated.TimeDeepScan = now
	}

	if updated.Equal(st) {
		return nil
	}
	folder.SyncState = updated
	return e.store.UpdateSyncState(ctx, folder.ID, updated)
}

// filterAttrsWindow keeps only local attrs whose UID falls inside the
// scanned interval, so messages outside the window are never diffed.
func filterAttrsWindow(attrs []store.MessageAttrs, min, max uint32) []store.MessageAttrs {
	out := attrs[:0:0]
	for _, a := range attrs {
		if a.UID >= min && a.UID <= max {
			out = append(out, a)
		}
	}
	return out
}
