package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/mailmirror/mailmirror/internal/model"
	"github.com/mailmirror/mailmirror/internal/store"
)

const (
	defaultLimit = 100
	maxLimit     = 2000
)

// Server is the thin local HTTP facade over the mirror database. It
// never talks to the IMAP server itself: reads come straight from the
// store, and writes are enqueued as syncback requests.
type Server struct {
	store store.Store
	log   zerolog.Logger
	http  *http.Server
}

// New builds the server listening on addr.
func New(s store.Store, log zerolog.Logger, addr string) *Server {
	srv := &Server{
		store: s,
		log:   log.With().Str("component", "api").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /folders", srv.handleGetFolders)
	mux.HandleFunc("GET /labels", srv.handleGetLabels)
	mux.HandleFunc("POST /folders", srv.handleCreateFolder)
	mux.HandleFunc("POST /labels", srv.handleCreateLabel)
	mux.HandleFunc("PUT /folders/{id}", srv.handleRenameFolder)
	mux.HandleFunc("PUT /labels/{id}", srv.handleRenameLabel)
	mux.HandleFunc("DELETE /folders/{id}", srv.handleDeleteFolder)
	mux.HandleFunc("DELETE /labels/{id}", srv.handleDeleteLabel)
	mux.HandleFunc("GET /contacts", srv.handleGetContacts)
	mux.HandleFunc("GET /contacts/rankings", srv.handleContactRankings)
	mux.HandleFunc("GET /contacts/{id}", srv.handleGetContact)
	mux.HandleFunc("GET /messages/{id}", srv.handleGetMessage)

	srv.http = &http.Server{
		Addr:         addr,
		Handler:      srv.logRequests(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return srv
}

// Start begins serving. Blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("api listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

// resolveAccount picks the account a request addresses: the account_id
// query parameter when present, otherwise the sole configured account.
func (s *Server) resolveAccount(r *http.Request) (*model.Account, error) {
	if id := r.URL.Query().Get("account_id"); id != "" {
		return s.store.GetAccountByID(r.Context(), id)
	}

	accounts, err := s.store.GetAccounts(r.Context())
	if err != nil {
		return nil, err
	}
	switch len(accounts) {
	case 0:
		return nil, errors.New("no accounts configured")
	case 1:
		return &accounts[0], nil
	default:
		return nil, errors.New("account_id is required when multiple accounts exist")
	}
}

// parseLimitOffset reads pagination from the query string, clamping
// limit to [1, maxLimit] and offset to non-negative.
func parseLimitOffset(r *http.Request) store.Page {
	p := store.Page{Limit: defaultLimit}

	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			p.Limit = n
		}
	}
	if p.Limit < 1 {
		p.Limit = defaultLimit
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}

	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			p.Offset = n
		}
	}
	return p
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("encoding response failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeStoreError maps store errors to HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeError(w, http.StatusInternalServerError, err)
}
