package server

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/loomlabs/loom/internal/llm"
	"github.com/loomlabs/loom/internal/turn"
)

type startTurnRequest struct {
	Message     string `json:"message"`
	Session     string `json:"session"`
	Thinking    bool   `json:"thinking"`
	WebSearch   bool   `json:"web_search"`
	CanvasTools bool   `json:"canvas_tools"`
	UIHidden    bool   `json:"ui_hidden"`
	MaxTokens   int    `json:"max_tokens,omitempty"`
}

// turnEvent is one NDJSON line of a turn stream.
type turnEvent struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	ResponseID string `json:"response_id,omitempty"`
	Error      string `json:"error,omitempty"`

	// done fields
	UserNodeID       string `json:"user_node_id,omitempty"`
	AssistantNodeID  string `json:"assistant_node_id,omitempty"`
	AssistantOrdinal int64  `json:"assistant_ordinal,omitempty"`
	Content          string `json:"content,omitempty"`
	Interrupted      bool   `json:"interrupted,omitempty"`
}

// handleStartTurn streams the turn as NDJSON. Errors before the first
// chunk keep the normal JSON error shape; errors after it become a
// terminal error line on the stream.
func (s *Server) handleStartTurn(w http.ResponseWriter, r *http.Request) {
	var req startTurnRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err, "invalid request body")
		return
	}
	ref, err := s.resolveRef(r)
	if err != nil {
		writeError(w, err, "")
		return
	}

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	streaming := false

	emit := func(ev turnEvent) {
		if !streaming {
			w.Header().Set("Content-Type", "application/x-ndjson")
			w.WriteHeader(http.StatusOK)
			streaming = true
		}
		if err := enc.Encode(ev); err != nil {
			log.Printf("failed to write stream event: %v", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	res, err := s.turns.Start(r.Context(), turn.StartRequest{
		ProjectID:        ref.ProjectID,
		RefID:            ref.ID,
		UserID:           userOf(r),
		Session:          req.Session,
		Message:          req.Message,
		UIHidden:         req.UIHidden,
		Thinking:         req.Thinking,
		WebSearch:        req.WebSearch,
		CanvasTools:      req.CanvasTools,
		HistoryLimit:     s.historyLimit,
		TokenLimit:       s.tokenLimit,
		MergeSummaryRole: s.summaryRole,
		MaxTokens:        req.MaxTokens,
		LockTimeout:      s.lockTimeout,
		OnChunk: func(chunk llm.Chunk) {
			switch chunk.Type {
			case llm.ChunkText, llm.ChunkThinking, llm.ChunkThinkingSignature:
				emit(turnEvent{Type: string(chunk.Type), Text: chunk.Text})
			case llm.ChunkMeta:
				emit(turnEvent{Type: string(chunk.Type), ResponseID: chunk.ResponseID})
			}
			// Raw payloads are persistence-only; clients never see them.
		},
	})

	if res != nil && res.AssistantNodeID != "" {
		emit(turnEvent{
			Type:             "done",
			UserNodeID:       res.UserNodeID,
			AssistantNodeID:  res.AssistantNodeID,
			AssistantOrdinal: res.AssistantOrdinal,
			Content:          res.Content,
			ResponseID:       res.ResponseID,
			Interrupted:      res.Interrupted,
		})
	}
	if err != nil {
		if streaming {
			emit(turnEvent{Type: "error", Error: err.Error()})
			return
		}
		writeError(w, err, "")
	}
}

func (s *Server) handleAbortTurn(w http.ResponseWriter, r *http.Request) {
	ref, err := s.resolveRef(r)
	if err != nil {
		writeError(w, err, "")
		return
	}
	aborted := s.turns.Abort(ref.ProjectID, ref.ID)
	writeJSON(w, http.StatusOK, map[string]bool{"aborted": aborted})
}
