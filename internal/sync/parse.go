package sync

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"mime/quotedprintable"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/mailmirror/mailmirror/internal/model"
)

// Body part media types worth mirroring locally.
const (
	mediaTextPlain    = "text/plain"
	mediaTextHTML     = "text/html"
	mediaPGPEncrypted = "application/pgp-encrypted"
)

// partInfo describes one leaf of a message's MIME structure.
type partInfo struct {
	Path      []int
	MediaType string
	Encoding  string
	Size      uint32
	Filename  string
}

func (p partInfo) pathString() string {
	parts := make([]string, len(p.Path))
	for i, n := range p.Path {
		parts[i] = fmt.Sprintf("%d", n)
	}
	return strings.Join(parts, ".")
}

// collectParts walks a BODYSTRUCTURE and splits its leaves into body
// parts the mirror wants to fetch and attachment parts recorded as
// File metadata only.
func collectParts(bs imap.BodyStructure) (desired []partInfo, attachments []partInfo) {
	if bs == nil {
		return nil, nil
	}

	bs.Walk(func(path []int, part imap.BodyStructure) bool {
		single, ok := part.(*imap.BodyStructureSinglePart)
		if !ok {
			return true
		}

		info := partInfo{
			Path:      append([]int(nil), path...),
			MediaType: strings.ToLower(single.MediaType()),
			Encoding:  single.Encoding,
			Size:      single.Size,
			Filename:  single.Filename(),
		}

		switch {
		case info.Filename != "":
			attachments = append(attachments, info)
		case info.MediaType == mediaTextPlain,
			info.MediaType == mediaTextHTML,
			info.MediaType == mediaPGPEncrypted:
			desired = append(desired, info)
		}
		return true
	})

	return desired, attachments
}

// partsKey canonicalizes a set of desired parts so UIDs wanting the
// same sections can be fetched in one pass.
func partsKey(parts []partInfo) string {
	keys := make([]string, len(parts))
	for i, p := range parts {
		keys[i] = p.pathString()
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

// decodeTransferEncoding reverses the content-transfer-encoding of a
// fetched body part. Unknown encodings pass through untouched.
func decodeTransferEncoding(encoding string, raw []byte) []byte {
	switch strings.ToLower(encoding) {
	case "base64":
		cleaned := strings.Map(func(r rune) rune {
			switch r {
			case '\r', '\n', ' ', '\t':
				return -1
			}
			return r
		}, string(raw))
		decoded, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			return raw
		}
		return decoded
	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(raw)))
		if err != nil {
			return raw
		}
		return decoded
	default:
		return raw
	}
}

// messageHash computes the content hash that keys a Message row. It
// covers only identity fields that survive UID churn and mailbox
// moves, never the volatile location.
func messageHash(headerMessageID, subject string, date time.Time, from []model.Address) string {
	h := sha256.New()
	h.Write([]byte(headerMessageID))
	h.Write([]byte{0})
	h.Write([]byte(subject))
	h.Write([]byte{0})
	h.Write([]byte(date.UTC().Format(time.RFC3339)))
	for _, a := range from {
		h.Write([]byte{0})
		h.Write([]byte(strings.ToLower(a.Email)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// messageID derives the message row id from the account and content
// hash. The hash alone is not unique across accounts: two accounts
// mirroring the same message must produce two rows.
func messageID(accountID, hash string) string {
	h := sha256.Sum256([]byte(accountID + "\x00" + hash))
	return hex.EncodeToString(h[:])
}

// threadID groups messages into a conversation by normalized subject.
func threadID(accountID, subject string) string {
	h := sha256.Sum256([]byte(accountID + "\x00" + normalizeSubject(subject)))
	return hex.EncodeToString(h[:16])
}

// normalizeSubject strips reply/forward prefixes and whitespace so
// "Re: Re: hello" and "hello" land in the same thread.
func normalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		lower := strings.ToLower(s)
		switch {
		case strings.HasPrefix(lower, "re:"):
			s = strings.TrimSpace(s[3:])
		case strings.HasPrefix(lower, "fwd:"):
			s = strings.TrimSpace(s[4:])
		case strings.HasPrefix(lower, "fw:"):
			s = strings.TrimSpace(s[3:])
		default:
			return s
		}
	}
}

// convertAddresses maps wire addresses into the model shape.
func convertAddresses(addrs []imap.Address) []model.Address {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]model.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, model.Address{Name: a.Name, Email: a.Addr()})
	}
	return out
}
