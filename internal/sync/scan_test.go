package sync

import (
	"reflect"
	"testing"

	"github.com/emersion/go-imap/v2"

	"github.com/mailmirror/mailmirror/internal/imapx"
	"github.com/mailmirror/mailmirror/internal/store"
)

func TestAttrsFromFlags(t *testing.T) {
	tests := []struct {
		name  string
		flags []imap.Flag
		want  flagAttrs
	}{
		{
			name:  "no flags means unread",
			flags: nil,
			want:  flagAttrs{Unread: true},
		},
		{
			name:  "seen clears unread",
			flags: []imap.Flag{imap.FlagSeen},
			want:  flagAttrs{Unread: false},
		},
		{
			name:  "flagged sets starred",
			flags: []imap.Flag{imap.FlagFlagged},
			want:  flagAttrs{Unread: true, Starred: true},
		},
		{
			name:  "system flags are not keywords",
			flags: []imap.Flag{imap.FlagSeen, imap.FlagAnswered, imap.FlagDraft},
			want:  flagAttrs{Unread: false},
		},
		{
			name:  "keywords sorted",
			flags: []imap.Flag{"work", "archive", imap.FlagSeen},
			want:  flagAttrs{Unread: false, Keywords: []string{"archive", "work"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := attrsFromFlags(tt.flags)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("attrsFromFlags(%v) = %+v, want %+v", tt.flags, got, tt.want)
			}
		})
	}
}

func TestDiffAttributes(t *testing.T) {
	local := []store.MessageAttrs{
		{MessageID: "unchanged", UID: 1, Unread: false, Starred: false},
		{MessageID: "now-read", UID: 2, Unread: true},
		{MessageID: "now-starred", UID: 3, Unread: false},
		{MessageID: "gone", UID: 4, Unread: true},
	}
	remote := map[imap.UID]imapx.MessageAttrs{
		1: {UID: 1, Flags: []imap.Flag{imap.FlagSeen}},
		2: {UID: 2, Flags: []imap.Flag{imap.FlagSeen}},
		3: {UID: 3, Flags: []imap.Flag{imap.FlagSeen, imap.FlagFlagged}},
	}

	changes, missing := diffAttributes(local, remote)

	if len(changes) != 2 {
		t.Fatalf("got %d changes, want 2: %+v", len(changes), changes)
	}
	byID := make(map[string]store.AttrChange)
	for _, c := range changes {
		byID[c.MessageID] = c
	}
	if c, ok := byID["now-read"]; !ok || c.Unread {
		t.Errorf("now-read change = %+v, want unread=false", c)
	}
	if c, ok := byID["now-starred"]; !ok || !c.Starred {
		t.Errorf("now-starred change = %+v, want starred=true", c)
	}
	if _, ok := byID["unchanged"]; ok {
		t.Error("unchanged message should not produce a change")
	}

	if len(missing) != 1 || missing[0] != "gone" {
		t.Errorf("missing = %v, want [gone]", missing)
	}
}

func TestFilterAttrsWindow(t *testing.T) {
	attrs := []store.MessageAttrs{
		{MessageID: "below", UID: 5},
		{MessageID: "low-edge", UID: 10},
		{MessageID: "inside", UID: 50},
		{MessageID: "high-edge", UID: 100},
		{MessageID: "above", UID: 101},
	}

	got := filterAttrsWindow(attrs, 10, 100)
	want := []string{"low-edge", "inside", "high-edge"}
	if len(got) != len(want) {
		t.Fatalf("got %d attrs, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].MessageID != id {
			t.Errorf("got[%d] = %s, want %s", i, got[i].MessageID, id)
		}
	}
}
