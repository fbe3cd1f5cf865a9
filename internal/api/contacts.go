package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/mailmirror/mailmirror/internal/model"
	"github.com/mailmirror/mailmirror/internal/store"
)

// lookbackWindow is how far back sent mail still contributes to
// contact rankings.
const lookbackWindow = 2 * 365 * 24 * time.Hour

// minWeight is the floor for a single message's ranking contribution,
// so very old mail still counts a little.
const minWeight = 0.01

// rankingPageSize bounds how many sent rows are loaded per page while
// accumulating ranking weights.
const rankingPageSize = 500

func (s *Server) handleGetContacts(w http.ResponseWriter, r *http.Request) {
	account, err := s.resolveAccount(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	contacts, err := s.store.GetContacts(r.Context(), account.ID, parseLimitOffset(r))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if contacts == nil {
		contacts = []model.Contact{}
	}
	s.writeJSON(w, http.StatusOK, contacts)
}

func (s *Server) handleGetContact(w http.ResponseWriter, r *http.Request) {
	contact, err := s.store.GetContactByID(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, contact)
}

// handleContactRankings scores the account's correspondents by
// time-decayed sent-mail volume and returns [email, score] pairs,
// highest first.
func (s *Server) handleContactRankings(w http.ResponseWriter, r *http.Request) {
	account, err := s.resolveAccount(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	sent, err := s.store.GetCategoryByRole(r.Context(), account.ID, model.RoleSent)
	if errors.Is(err, store.ErrNotFound) {
		// Gmail keeps sent mail in All Mail when no Sent folder exists.
		sent, err = s.store.GetCategoryByRole(r.Context(), account.ID, model.RoleAll)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeJSON(w, http.StatusOK, [][]any{})
			return
		}
		s.writeStoreError(w, err)
		return
	}

	scores, err := s.rankContacts(r.Context(), sent.ID, time.Now().UTC())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, scores)
}

// rankContacts pages through the sent folder accumulating a weight per
// recipient email. Recent messages count close to 1.0 and the weight
// decays linearly to minWeight at the edge of the lookback window.
func (s *Server) rankContacts(ctx context.Context, sentFolderID string, now time.Time) ([][]any, error) {
	weights := make(map[string]float64)

	var afterRow int64
	for {
		page, err := s.store.SentMessagesPage(ctx, sentFolderID, afterRow, rankingPageSize)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		for _, m := range page {
			w := messageWeight(now, m.Date)
			for _, addr := range m.To {
				if addr.Email != "" {
					weights[addr.Email] += w
				}
			}
			afterRow = m.RowID
		}

		if len(page) < rankingPageSize {
			break
		}
	}

	out := make([][]any, 0, len(weights))
	for email, score := range weights {
		out = append(out, []any{email, score})
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := out[i][1].(float64), out[j][1].(float64)
		if si != sj {
			return si > sj
		}
		return out[i][0].(string) < out[j][0].(string)
	})
	return out, nil
}

// messageWeight decays linearly with age from 1.0 at now down to
// minWeight at the lookback boundary and beyond.
func messageWeight(now, date time.Time) float64 {
	age := now.Sub(date)
	if age < 0 {
		age = 0
	}
	w := 1 - float64(age)/float64(lookbackWindow)
	if w < minWeight {
		return minWeight
	}
	return w
}
