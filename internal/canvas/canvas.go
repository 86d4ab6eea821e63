// Package canvas manages the mutable per-user drafts and the immutable
// artefact chain of a ref, and renders canvas diffs for merges.
package canvas

import (
	"context"
	"fmt"
	"strings"

	"github.com/loomlabs/loom/internal/storage"
	"github.com/loomlabs/loom/internal/types"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Engine wraps the storage canvas primitives with the product policy:
// direct artefact edits happen only on the trunk.
type Engine struct {
	store storage.Storage
}

func New(store storage.Storage) *Engine {
	return &Engine{store: store}
}

// SaveDraft upserts the caller's draft. Drafts never touch history.
func (e *Engine) SaveDraft(ctx context.Context, projectID, refID, userID, content string) (*types.Draft, error) {
	return e.store.SaveDraft(ctx, projectID, refID, userID, content)
}

// DiscardDraft drops the caller's draft.
func (e *Engine) DiscardDraft(ctx context.Context, projectID, refID, userID string) error {
	return e.store.DeleteDraft(ctx, projectID, refID, userID)
}

// Resolve returns the canvas visible to one user: their draft first,
// else the newest artefact along the ref, else empty.
func (e *Engine) Resolve(ctx context.Context, projectID, refID, userID string) (*types.CanvasView, error) {
	return e.store.GetCanvas(ctx, projectID, refID, userID)
}

// ExplicitSave commits the content as a new artefact plus a state node
// whose snapshot is the content hash, and clears the caller's draft
// (the save consumed it). Branches inherit the canvas but only the
// trunk takes direct edits; non-trunk saves are refused.
func (e *Engine) ExplicitSave(ctx context.Context, projectID, refID, userID, session, content, message string) (*storage.ArtefactSaveResult, error) {
	ref, err := e.store.GetRef(ctx, projectID, refID)
	if err != nil {
		return nil, err
	}
	if !ref.IsTrunk() {
		return nil, fmt.Errorf("%w: canvas edits are allowed only on %s", types.ErrNotAuthorized, types.TrunkName)
	}

	res, err := e.store.UpdateArtefact(ctx, storage.ArtefactSaveParams{
		ProjectID: projectID,
		RefID:     refID,
		UserID:    userID,
		Session:   session,
		Content:   content,
		Kind:      types.ArtefactKindCanvas,
		Message:   message,
		StateNode: &types.Node{},
	})
	if err != nil {
		return nil, err
	}
	if err := e.store.DeleteDraft(ctx, projectID, refID, userID); err != nil {
		return nil, err
	}
	return res, nil
}

// Diff renders the change from the target ref's latest canvas to the
// source ref's, as merge nodes record it. Identical canvases yield "".
func (e *Engine) Diff(ctx context.Context, projectID, sourceRefID, targetRefID string) (string, error) {
	source, err := e.store.LatestArtefact(ctx, projectID, sourceRefID, types.ArtefactKindCanvas)
	if err != nil {
		return "", err
	}
	target, err := e.store.LatestArtefact(ctx, projectID, targetRefID, types.ArtefactKindCanvas)
	if err != nil {
		return "", err
	}

	var sourceContent, targetContent string
	if source != nil {
		sourceContent = source.Content
	}
	if target != nil {
		targetContent = target.Content
	}
	if source != nil && target != nil && source.ContentHash == target.ContentHash {
		return "", nil
	}
	return DiffText(targetContent, sourceContent), nil
}

// DiffText renders a line-oriented diff from old to new.
func DiffText(old, new string) string {
	if old == new {
		return ""
	}

	dmp := diffmatchpatch.New()
	oldLines, newLines, lineIndex := dmp.DiffLinesToChars(old, new)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(oldLines, newLines, false), lineIndex)

	var b strings.Builder
	for _, d := range diffs {
		prefix := "  "
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		}
		for _, line := range splitKeepNonEmpty(d.Text) {
			b.WriteString(prefix)
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func splitKeepNonEmpty(text string) []string {
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	return lines
}
