// Package turn coordinates the full turn lifecycle: lease, user append,
// context build, provider stream, assistant append, ref-state update,
// release. Partial output survives aborts and provider failures.
package turn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loomlabs/loom/internal/contextbuild"
	"github.com/loomlabs/loom/internal/llm"
	"github.com/loomlabs/loom/internal/reflock"
	"github.com/loomlabs/loom/internal/storage"
	"github.com/loomlabs/loom/internal/types"
)

const (
	// defaultHeartbeatEvery is the chunk interval between lease
	// refreshes during a stream.
	defaultHeartbeatEvery = 16
	// defaultBusyWait bounds the wait-and-retry window on a held lease.
	defaultBusyWait = 10 * time.Second
	// busyPollInterval is the retry cadence inside the busy window.
	busyPollInterval = 500 * time.Millisecond
)

// Coordinator drives turns. One instance serves all refs; per-ref
// serialization comes from the reflock manager.
type Coordinator struct {
	store     storage.Storage
	locks     *reflock.Manager
	builder   *contextbuild.Builder
	providers *llm.Registry

	heartbeatEvery int
	busyWait       time.Duration

	mu     sync.Mutex
	active map[activeKey]context.CancelFunc
}

type activeKey struct {
	projectID string
	refID     string
}

func New(store storage.Storage, locks *reflock.Manager, builder *contextbuild.Builder, providers *llm.Registry) *Coordinator {
	return &Coordinator{
		store:          store,
		locks:          locks,
		builder:        builder,
		providers:      providers,
		heartbeatEvery: defaultHeartbeatEvery,
		busyWait:       defaultBusyWait,
		active:         make(map[activeKey]context.CancelFunc),
	}
}

// StartRequest describes one turn.
type StartRequest struct {
	ProjectID string
	RefID     string
	UserID    string
	Session   string

	// Message is the user turn text.
	Message string
	// UIHidden marks the user node as a hidden canvas update.
	UIHidden bool

	Thinking  bool
	WebSearch bool

	// Context assembly knobs; zero values take the builder defaults.
	HistoryLimit     int
	TokenLimit       int
	CanvasTools      bool
	MergeSummaryRole types.Role

	MaxTokens   int
	LockTimeout time.Duration

	// OnChunk receives every stream chunk as it arrives; nil is fine.
	// It is called from the coordinator goroutine and must not block for
	// long.
	OnChunk func(llm.Chunk)
}

// Result reports what the turn persisted. It is returned even alongside
// an error whenever the assistant node was written.
type Result struct {
	UserNodeID       string
	UserOrdinal      int64
	AssistantNodeID  string
	AssistantOrdinal int64
	Content          string
	Blocks           []types.Block
	ResponseID       string
	Interrupted      bool
}

// Start runs one turn end to end. On abort, preemption, or a provider
// error the partial response is still persisted with interrupted set,
// and the terminal error is returned next to the result.
func (c *Coordinator) Start(ctx context.Context, req StartRequest) (*Result, error) {
	if req.Message == "" {
		return nil, fmt.Errorf("%w: empty turn message", types.ErrInvalidArgument)
	}
	if req.Session == "" {
		return nil, fmt.Errorf("%w: turn requires a lease session", types.ErrInvalidArgument)
	}

	unlock, err := c.locks.Acquire(ctx, req.ProjectID, req.RefID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := c.acquireLeaseBounded(ctx, req); err != nil {
		return nil, err
	}
	// The lease is dropped on every exit path. A preempted session no
	// longer owns the row, so release is a no-op there.
	defer c.locks.ReleaseLease(context.WithoutCancel(ctx), req.ProjectID, req.RefID, req.Session)

	ref, err := c.store.GetRef(ctx, req.ProjectID, req.RefID)
	if err != nil {
		return nil, err
	}
	provider, err := c.providers.Get(ref.Provider)
	if err != nil {
		return nil, err
	}

	userRes, err := c.store.AppendNode(ctx, storage.AppendParams{
		ProjectID:   req.ProjectID,
		RefID:       req.RefID,
		UserID:      req.UserID,
		Session:     req.Session,
		Node:        &types.Node{Kind: types.NodeMessage, Role: types.RoleUser, Content: req.Message, UIHidden: req.UIHidden},
		AttachDraft: true,
		LockTimeout: req.LockTimeout,
	})
	if err != nil {
		return nil, err
	}
	result := &Result{UserNodeID: userRes.NodeID, UserOrdinal: userRes.Ordinal}

	built, err := c.builder.Build(ctx, req.ProjectID, req.RefID, contextbuild.Options{
		Limit:            req.HistoryLimit,
		TokenLimit:       req.TokenLimit,
		CanvasTools:      req.CanvasTools,
		MergeSummaryRole: req.MergeSummaryRole,
	})
	if err != nil {
		return result, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.register(req.ProjectID, req.RefID, cancel)
	defer c.unregister(req.ProjectID, req.RefID)

	chunks, err := provider.Stream(streamCtx, llm.StreamRequest{
		Model:              ref.Model,
		System:             built.System,
		Messages:           built.Messages,
		Thinking:           req.Thinking,
		WebSearch:          req.WebSearch,
		PreviousResponseID: ref.PreviousResponseID,
		MaxTokens:          req.MaxTokens,
	})
	if err != nil {
		return result, err
	}

	acc := newAccumulator()
	var providerErr error
	seen := 0
	for chunk := range chunks {
		if req.OnChunk != nil {
			req.OnChunk(chunk)
		}
		if chunk.Err != nil {
			providerErr = chunk.Err
			break
		}
		acc.add(chunk)

		seen++
		if seen%c.heartbeatEvery == 0 {
			// Best effort; the authoritative holder check happens right
			// before the assistant append.
			c.locks.RefreshLease(ctx, req.ProjectID, req.RefID, req.UserID, req.Session)
		}
	}

	aborted := streamCtx.Err() != nil
	if aborted && errors.Is(providerErr, context.Canceled) {
		// Cooperative aborts surface the context error through the
		// stream; that is the abort, not a provider failure.
		providerErr = nil
	}

	held, err := c.locks.HeldBy(context.WithoutCancel(ctx), req.ProjectID, req.RefID, req.UserID, req.Session)
	if err != nil {
		return result, err
	}
	preempted := !held

	node := &types.Node{
		Kind:        types.NodeMessage,
		Role:        types.RoleAssistant,
		Content:     acc.content(),
		Blocks:      acc.blocks,
		RawResponse: acc.raw,
		ResponseID:  acc.responseID,
		Interrupted: aborted || preempted || providerErr != nil,
	}
	asstRes, err := c.store.AppendNode(context.WithoutCancel(ctx), storage.AppendParams{
		ProjectID:   req.ProjectID,
		RefID:       req.RefID,
		UserID:      req.UserID,
		Session:     req.Session,
		Node:        node,
		IgnoreLease: preempted,
		LockTimeout: req.LockTimeout,
	})
	if err != nil {
		return result, err
	}
	result.AssistantNodeID = asstRes.NodeID
	result.AssistantOrdinal = asstRes.Ordinal
	result.Content = node.Content
	result.Blocks = node.Blocks
	result.ResponseID = node.ResponseID
	result.Interrupted = node.Interrupted

	if !preempted && acc.responseID != "" && ref.Provider.ResponsesCapable() {
		if err := c.store.SetRefResponseID(context.WithoutCancel(ctx), req.ProjectID, req.RefID, acc.responseID); err != nil {
			return result, err
		}
	}

	switch {
	case preempted:
		return result, fmt.Errorf("%w: lease lost during stream", types.ErrLeaseExpired)
	case providerErr != nil:
		return result, fmt.Errorf("provider stream failed: %w", providerErr)
	default:
		return result, nil
	}
}

// Abort cancels the active stream on (project, ref), if any. The
// coordinator persists the partial response before Start returns.
func (c *Coordinator) Abort(projectID, refID string) bool {
	c.mu.Lock()
	cancel, ok := c.active[activeKey{projectID, refID}]
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// acquireLeaseBounded retries a busy lease inside the busy window, then
// gives up with ErrLeaseHeld.
func (c *Coordinator) acquireLeaseBounded(ctx context.Context, req StartRequest) error {
	deadline := time.Now().Add(c.busyWait)
	for {
		grant, err := c.locks.AcquireLease(ctx, req.ProjectID, req.RefID, req.UserID, req.Session)
		if err != nil {
			return err
		}
		if grant.Acquired {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: held by session %s until %s",
				types.ErrLeaseHeld, grant.HolderSession, grant.ExpiresAt.Format(time.RFC3339))
		}
		select {
		case <-time.After(busyPollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Coordinator) register(projectID, refID string, cancel context.CancelFunc) {
	c.mu.Lock()
	c.active[activeKey{projectID, refID}] = cancel
	c.mu.Unlock()
}

func (c *Coordinator) unregister(projectID, refID string) {
	c.mu.Lock()
	delete(c.active, activeKey{projectID, refID})
	c.mu.Unlock()
}
