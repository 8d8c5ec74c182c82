package server

import (
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/marginalia/internal/highlights"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type highlightsQuery struct {
	Limit   int  `form:"limit" binding:"omitempty,min=0"`
	Chapter *int `form:"chapter" binding:"omitempty,min=0"`
}

type popularHighlightPayload struct {
	TextHash          string    `json:"text_hash"`
	Text              string    `json:"text"`
	ChapterIndex      int       `json:"chapter_index"`
	ParagraphIndex    int       `json:"paragraph_index"`
	HighlighterCount  int       `json:"highlighter_count"`
	LastHighlighterID string    `json:"last_highlighter_id"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type popularHighlightsPayload struct {
	BookType   string                    `json:"book_type"`
	BookID     string                    `json:"book_id"`
	Highlights []popularHighlightPayload `json:"highlights"`
}

type runResultPayload struct {
	Groups       int `json:"groups"`
	Materialized int `json:"materialized"`
	Inserted     int `json:"inserted"`
	Updated      int `json:"updated"`
	Unchanged    int `json:"unchanged"`
	Deleted      int `json:"deleted"`
}

type realtimeEventPayload struct {
	BookType     string `json:"book_type"`
	BookID       string `json:"book_id"`
	Materialized int    `json:"materialized"`
	Timestamp    string `json:"timestamp"`
}

func (h *httpHandler) handleListHighlights(c *gin.Context) {
	var uri bookURI
	if err := c.ShouldBindUri(&uri); err != nil {
		respondBindingError(c, err)
		return
	}
	var query highlightsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		respondBindingError(c, err)
		return
	}
	book, err := uri.ref()
	if err != nil {
		h.respondError(c, err)
		return
	}

	rows, err := h.highlights.List(c.Request.Context(), book, highlights.Query{Limit: query.Limit, Chapter: query.Chapter})
	if err != nil {
		h.respondError(c, err)
		return
	}
	payload := popularHighlightsPayload{
		BookType:   book.Type.String(),
		BookID:     book.ID,
		Highlights: make([]popularHighlightPayload, 0, len(rows)),
	}
	for _, row := range rows {
		payload.Highlights = append(payload.Highlights, popularHighlightPayload{
			TextHash:          row.TextHash,
			Text:              row.Text,
			ChapterIndex:      row.ChapterIndex,
			ParagraphIndex:    row.ParagraphIndex,
			HighlighterCount:  row.HighlighterCount,
			LastHighlighterID: row.LastHighlighterID,
			CreatedAt:         row.CreatedAt.UTC(),
			UpdatedAt:         row.UpdatedAt.UTC(),
		})
	}
	c.JSON(http.StatusOK, payload)
}

func (h *httpHandler) handleRefreshHighlights(c *gin.Context) {
	var uri bookURI
	if err := c.ShouldBindUri(&uri); err != nil {
		respondBindingError(c, err)
		return
	}
	book, err := uri.ref()
	if err != nil {
		h.respondError(c, err)
		return
	}

	result, err := h.aggregator.Run(c.Request.Context(), book)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, runResultPayload{
		Groups:       result.Groups,
		Materialized: result.Materialized,
		Inserted:     result.Inserted,
		Updated:      result.Updated,
		Unchanged:    result.Unchanged,
		Deleted:      result.Deleted,
	})
}

// handleHighlightEvents streams refresh notifications for a book as SSE.
func (h *httpHandler) handleHighlightEvents(c *gin.Context) {
	var uri bookURI
	if err := c.ShouldBindUri(&uri); err != nil {
		respondBindingError(c, err)
		return
	}
	book, err := uri.ref()
	if err != nil {
		h.respondError(c, err)
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, book)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(realtimeHeartbeatInterval)
	defer heartbeat.Stop()

	h.logger.Debug("highlight stream opened", zap.String("book", book.String()))
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"timestamp": time.Now().UTC().Format(time.RFC3339)})
			return true
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.EventType, realtimeEventPayload{
				BookType:     message.Book.Type.String(),
				BookID:       message.Book.ID,
				Materialized: message.Materialized,
				Timestamp:    message.Timestamp.Format(time.RFC3339),
			})
			return true
		}
	})
}
