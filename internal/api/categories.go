package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mailmirror/mailmirror/internal/model"
	"github.com/mailmirror/mailmirror/internal/store"
)

// categoryJSON is the wire shape for folders and labels.
type categoryJSON struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Name      string `json:"name"`
	Role      string `json:"role,omitempty"`
}

func toCategoryJSON(c model.Category) categoryJSON {
	return categoryJSON{
		ID:        c.ID,
		AccountID: c.AccountID,
		Name:      c.Name,
		Role:      c.Role,
	}
}

func (s *Server) handleGetFolders(w http.ResponseWriter, r *http.Request) {
	s.listCategories(w, r, false)
}

func (s *Server) handleGetLabels(w http.ResponseWriter, r *http.Request) {
	s.listCategories(w, r, true)
}

func (s *Server) listCategories(w http.ResponseWriter, r *http.Request, isLabel bool) {
	account, err := s.resolveAccount(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	page := parseLimitOffset(r)
	cats, err := s.store.GetCategories(r.Context(), account.ID, store.CategoryFilter{
		IsLabel: &isLabel,
		Limit:   page.Limit,
		Offset:  page.Offset,
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	out := make([]categoryJSON, 0, len(cats))
	for _, c := range cats {
		out = append(out, toCategoryJSON(c))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	s.createCategory(w, r, false)
}

func (s *Server) handleCreateLabel(w http.ResponseWriter, r *http.Request) {
	s.createCategory(w, r, true)
}

// createCategory enqueues a CreateCategory syncback request and
// replies with the queued request so the caller can poll its status.
func (s *Server) createCategory(w http.ResponseWriter, r *http.Request, isLabel bool) {
	account, err := s.resolveAccount(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	var body struct {
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.DisplayName == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("display_name is required"))
		return
	}

	props, _ := json.Marshal(map[string]any{
		"name":    body.DisplayName,
		"isLabel": isLabel,
	})
	s.enqueue(w, r, model.SyncbackRequest{
		AccountID: account.ID,
		Type:      model.RequestCreateCategory,
		Props:     props,
	})
}

func (s *Server) handleRenameFolder(w http.ResponseWriter, r *http.Request) {
	s.renameCategory(w, r, model.RequestRenameFolder)
}

func (s *Server) handleRenameLabel(w http.ResponseWriter, r *http.Request) {
	s.renameCategory(w, r, model.RequestRenameLabel)
}

func (s *Server) renameCategory(w http.ResponseWriter, r *http.Request, reqType model.RequestType) {
	account, err := s.resolveAccount(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	var body struct {
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.DisplayName == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("display_name is required"))
		return
	}

	props, _ := json.Marshal(map[string]string{
		"categoryId": r.PathValue("id"),
		"newName":    body.DisplayName,
	})
	s.enqueue(w, r, model.SyncbackRequest{
		AccountID: account.ID,
		Type:      reqType,
		Props:     props,
	})
}

func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	s.deleteCategory(w, r, model.RequestDeleteFolder)
}

func (s *Server) handleDeleteLabel(w http.ResponseWriter, r *http.Request) {
	s.deleteCategory(w, r, model.RequestDeleteLabel)
}

func (s *Server) deleteCategory(w http.ResponseWriter, r *http.Request, reqType model.RequestType) {
	account, err := s.resolveAccount(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	props, _ := json.Marshal(map[string]string{
		"categoryId": r.PathValue("id"),
	})
	s.enqueue(w, r, model.SyncbackRequest{
		AccountID: account.ID,
		Type:      reqType,
		Props:     props,
	})
}

// enqueue persists a pending syncback request and replies 202 with the
// stored row.
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, req model.SyncbackRequest) {
	req.Status = model.StatusPending
	stored, err := s.store.CreateSyncbackRequest(r.Context(), req)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, stored)
}
