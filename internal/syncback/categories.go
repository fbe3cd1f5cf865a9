package syncback

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mailmirror/mailmirror/internal/model"
	"github.com/mailmirror/mailmirror/internal/store"
)

// createCategory creates the mailbox on the server first, then mirrors
// it locally so the next folder-list pass recognizes it by name.
func (r *Runner) createCategory(ctx context.Context, req *model.SyncbackRequest) (Result, error) {
	var props CreateCategoryProps
	if err := decodeProps(req.Props, &props); err != nil {
		return Result{}, err
	}
	if props.Name == "" {
		return Result{}, permanent(errors.New("name is required"))
	}

	existing, err := r.store.GetCategoryByName(ctx, req.AccountID, props.Name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Result{}, err
	}
	if existing != nil {
		return Result{}, permanent(fmt.Errorf("category %q already exists", props.Name))
	}

	if err := r.session.CreateBox(ctx, props.Name); err != nil {
		return Result{}, err
	}

	err = r.store.UpsertCategory(ctx, model.Category{
		ID:        uuid.New().String(),
		AccountID: req.AccountID,
		Name:      props.Name,
		IsLabel:   props.IsLabel,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{}, nil
}

// renameCategory renames the mailbox on the server, then updates the
// local row in place so the category keeps its id and sync state.
func (r *Runner) renameCategory(ctx context.Context, req *model.SyncbackRequest) (Result, error) {
	var props RenameCategoryProps
	if err := decodeProps(req.Props, &props); err != nil {
		return Result{}, err
	}
	if props.CategoryID == "" || props.NewName == "" {
		return Result{}, permanent(errors.New("categoryId and newName are required"))
	}

	cat, err := r.store.GetCategoryByID(ctx, props.CategoryID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, permanent(fmt.Errorf("category %s does not exist", props.CategoryID))
		}
		return Result{}, err
	}
	if cat.Name == props.NewName {
		return Result{}, nil
	}

	if err := r.session.RenameBox(ctx, cat.Name, props.NewName); err != nil {
		return Result{}, err
	}

	if err := r.store.UpdateCategoryName(ctx, cat.ID, props.NewName); err != nil {
		return Result{}, err
	}
	return Result{}, nil
}

// deleteCategory deletes the mailbox on the server, then removes the
// local row. Messages that lived in it keep their rows and lose only
// their folder association.
func (r *Runner) deleteCategory(ctx context.Context, req *model.SyncbackRequest) (Result, error) {
	var props DeleteCategoryProps
	if err := decodeProps(req.Props, &props); err != nil {
		return Result{}, err
	}
	if props.CategoryID == "" {
		return Result{}, permanent(errors.New("categoryId is required"))
	}

	cat, err := r.store.GetCategoryByID(ctx, props.CategoryID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Result{}, permanent(fmt.Errorf("category %s does not exist", props.CategoryID))
		}
		return Result{}, err
	}

	if err := r.session.DeleteBox(ctx, cat.Name); err != nil {
		return Result{}, err
	}

	if err := r.store.DeleteCategory(ctx, cat.ID); err != nil {
		return Result{}, err
	}
	return Result{}, nil
}
