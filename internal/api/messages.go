package api

import (
	"bytes"
	"net/http"
	"strings"
	"time"

	"github.com/mailmirror/mailmirror/internal/model"
)

// messageJSON is the wire shape for a synced message.
type messageJSON struct {
	ID              string          `json:"id"`
	AccountID       string          `json:"account_id"`
	ThreadID        string          `json:"thread_id"`
	FolderID        *string         `json:"folder_id"`
	Unread          bool            `json:"unread"`
	Starred         bool            `json:"starred"`
	Labels          []string        `json:"labels,omitempty"`
	Date            time.Time       `json:"date"`
	HeaderMessageID string          `json:"header_message_id"`
	Subject         string          `json:"subject"`
	From            []model.Address `json:"from"`
	To              []model.Address `json:"to"`
	Cc              []model.Address `json:"cc,omitempty"`
	BodyText        string          `json:"body_text"`
	BodyHTML        string          `json:"body_html,omitempty"`
	Files           []fileJSON      `json:"files,omitempty"`
}

type fileJSON struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// handleGetMessage returns one message. With "Accept: message/rfc822"
// the raw wire form (stored header plus text body) is returned instead
// of JSON.
func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.store.GetMessageByID(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "message/rfc822") {
		s.writeRaw(w, msg)
		return
	}

	files, err := s.store.GetFilesForMessage(r.Context(), msg.ID)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	out := messageJSON{
		ID:              msg.ID,
		AccountID:       msg.AccountID,
		ThreadID:        msg.ThreadID,
		FolderID:        msg.FolderID,
		Unread:          msg.Unread,
		Starred:         msg.Starred,
		Labels:          msg.LabelKeywords,
		Date:            msg.Date,
		HeaderMessageID: msg.HeaderMessageID,
		Subject:         msg.Subject,
		From:            msg.From,
		To:              msg.To,
		Cc:              msg.Cc,
		BodyText:        msg.BodyText,
		BodyHTML:        msg.BodyHTML,
	}
	for _, f := range files {
		out.Files = append(out.Files, fileJSON{
			ID:          f.ID,
			Filename:    f.Filename,
			ContentType: f.ContentType,
			Size:        f.Size,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeRaw(w http.ResponseWriter, msg *model.Message) {
	w.Header().Set("Content-Type", "message/rfc822")
	w.WriteHeader(http.StatusOK)

	w.Write(msg.RawHeader)
	if !bytes.HasSuffix(msg.RawHeader, []byte("\r\n\r\n")) {
		w.Write([]byte("\r\n"))
	}
	w.Write([]byte(msg.BodyText))
}
