package sync

import (
	"sort"

	"github.com/emersion/go-imap/v2"

	"github.com/mailmirror/mailmirror/internal/imapx"
	"github.com/mailmirror/mailmirror/internal/store"
)

// flagAttrs is the local shape both scan variants diff against.
type flagAttrs struct {
	Unread   bool
	Starred  bool
	Keywords []string
}

// attrsFromFlags derives the stored attribute shape from raw IMAP
// flags. Non-system keywords are carried as the message's label
// keyword set, sorted so set comparison is positional.
func attrsFromFlags(flags []imap.Flag) flagAttrs {
	a := flagAttrs{Unread: true}
	for _, f := range flags {
		switch f {
		case imap.FlagSeen:
			a.Unread = false
		case imap.FlagFlagged:
			a.Starred = true
		case imap.FlagAnswered, imap.FlagDeleted, imap.FlagDraft, imap.FlagWildcard:
			// System flags with no local column.
		default:
			a.Keywords = append(a.Keywords, string(f))
		}
	}
	sort.Strings(a.Keywords)
	return a
}

func keywordsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// diffAttributes compares locally stored flag attributes against the
// remote attribute map. It returns updates only for messages whose
// unread/starred/keyword state actually changed, plus the ids of local
// messages whose UID is absent from the remote map (used by the deep
// scan to detect removal from the folder).
func diffAttributes(local []store.MessageAttrs, remote map[imap.UID]imapx.MessageAttrs) (changes []store.AttrChange, missing []string) {
	for _, l := range local {
		r, ok := remote[imap.UID(l.UID)]
		if !ok {
			missing = append(missing, l.MessageID)
			continue
		}

		got := attrsFromFlags(r.Flags)
		if got.Unread == l.Unread && got.Starred == l.Starred && keywordsEqual(got.Keywords, l.Keywords) {
			continue
		}

		changes = append(changes, store.AttrChange{
			MessageID: l.MessageID,
			Unread:    got.Unread,
			Starred:   got.Starred,
			Keywords:  got.Keywords,
		})
	}
	return changes, missing
}
