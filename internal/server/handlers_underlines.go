package server

import (
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/marginalia/internal/capture"
	"github.com/MarcoPoloResearchLab/marginalia/internal/catalog"
	"github.com/MarcoPoloResearchLab/marginalia/internal/render"
	"github.com/MarcoPoloResearchLab/marginalia/internal/underlines"
	"github.com/gin-gonic/gin"
)

type bookURI struct {
	Type string `uri:"type" binding:"required,book_type"`
	ID   string `uri:"id" binding:"required,max=190"`
}

func (u bookURI) ref() (catalog.BookRef, error) {
	return catalog.NewBookRef(u.Type, u.ID)
}

type paragraphURI struct {
	Type  string `uri:"type" binding:"required,book_type"`
	ID    string `uri:"id" binding:"required,max=190"`
	Index int    `uri:"index" binding:"min=0"`
}

type underlineURI struct {
	UnderlineID string `uri:"underline_id" binding:"required,max=190"`
}

type createUnderlineRequest struct {
	ParagraphIndex *int   `json:"paragraph_index" binding:"required"`
	StartOffset    *int   `json:"start_offset" binding:"required"`
	EndOffset      *int   `json:"end_offset" binding:"required"`
	Text           string `json:"text" binding:"required"`
}

type attachIdeaRequest struct {
	Idea string `json:"idea"`
}

type selectionRequest struct {
	AnchorParagraph *int   `json:"anchor_paragraph" binding:"required"`
	FocusParagraph  *int   `json:"focus_paragraph" binding:"required"`
	Text            string `json:"text"`
	PositionHint    *int   `json:"position_hint" binding:"omitempty,min=0"`
}

type underlinePayload struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	BookType       string    `json:"book_type"`
	BookID         string    `json:"book_id"`
	ParagraphIndex int       `json:"paragraph_index"`
	StartOffset    int       `json:"start_offset"`
	EndOffset      int       `json:"end_offset"`
	Text           string    `json:"text"`
	TextHash       string    `json:"text_hash"`
	Idea           *string   `json:"idea"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type underlineListPayload struct {
	Underlines []underlinePayload `json:"underlines"`
}

type pendingPayload struct {
	BookType       string `json:"book_type"`
	BookID         string `json:"book_id"`
	ParagraphIndex int    `json:"paragraph_index"`
	StartOffset    int    `json:"start_offset"`
	EndOffset      int    `json:"end_offset"`
	Text           string `json:"text"`
}

type spanPayload struct {
	Start        int      `json:"start"`
	End          int      `json:"end"`
	Text         string   `json:"text"`
	UnderlineIDs []string `json:"underline_ids"`
	HasIdea      bool     `json:"has_idea"`
}

type spansPayload struct {
	ParagraphIndex int           `json:"paragraph_index"`
	Spans          []spanPayload `json:"spans"`
}

func newUnderlinePayload(model underlines.Underline) underlinePayload {
	return underlinePayload{
		ID:             model.ID,
		UserID:         model.UserID,
		BookType:       model.BookType,
		BookID:         model.BookID,
		ParagraphIndex: model.ParagraphIndex,
		StartOffset:    model.StartOffset,
		EndOffset:      model.EndOffset,
		Text:           model.Text,
		TextHash:       model.TextHash,
		Idea:           model.Idea,
		CreatedAt:      model.CreatedAt.UTC(),
		UpdatedAt:      model.UpdatedAt.UTC(),
	}
}

func newUnderlineListPayload(rows []underlines.Underline) underlineListPayload {
	payload := underlineListPayload{Underlines: make([]underlinePayload, 0, len(rows))}
	for _, row := range rows {
		payload.Underlines = append(payload.Underlines, newUnderlinePayload(row))
	}
	return payload
}

func (h *httpHandler) handleCreateUnderline(c *gin.Context) {
	var uri bookURI
	if err := c.ShouldBindUri(&uri); err != nil {
		respondBindingError(c, err)
		return
	}
	var request createUnderlineRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondBindingError(c, err)
		return
	}
	book, err := uri.ref()
	if err != nil {
		h.respondError(c, err)
		return
	}

	outcome, err := h.underlines.Create(c.Request.Context(), underlines.CreateRequest{
		UserID:         currentReader(c).UserID,
		Book:           book,
		ParagraphIndex: *request.ParagraphIndex,
		StartOffset:    *request.StartOffset,
		EndOffset:      *request.EndOffset,
		Text:           request.Text,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	status := http.StatusCreated
	if outcome.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, newUnderlinePayload(outcome.Underline))
}

func (h *httpHandler) handleAttachIdea(c *gin.Context) {
	var uri underlineURI
	if err := c.ShouldBindUri(&uri); err != nil {
		respondBindingError(c, err)
		return
	}
	var request attachIdeaRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondBindingError(c, err)
		return
	}

	updated, err := h.underlines.AttachIdea(c.Request.Context(), uri.UnderlineID, currentReader(c).UserID, request.Idea)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newUnderlinePayload(updated))
}

func (h *httpHandler) handleDeleteUnderline(c *gin.Context) {
	var uri underlineURI
	if err := c.ShouldBindUri(&uri); err != nil {
		respondBindingError(c, err)
		return
	}
	if err := h.underlines.Delete(c.Request.Context(), uri.UnderlineID, currentReader(c).UserID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListParagraph(c *gin.Context) {
	book, index, ok := h.bindParagraph(c)
	if !ok {
		return
	}
	rows, err := h.underlines.ListForParagraph(c.Request.Context(), book, index)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newUnderlineListPayload(rows))
}

func (h *httpHandler) handleListMine(c *gin.Context) {
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
	rows, err := h.underlines.ListForUser(c.Request.Context(), currentReader(c).UserID, book)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, newUnderlineListPayload(rows))
}

func (h *httpHandler) handleParagraphSpans(c *gin.Context) {
	book, index, ok := h.bindParagraph(c)
	if !ok {
		return
	}
	text, err := h.catalog.ParagraphText(c.Request.Context(), book, index)
	if err != nil {
		h.respondError(c, err)
		return
	}
	rows, err := h.underlines.ListForParagraph(c.Request.Context(), book, index)
	if err != nil {
		h.respondError(c, err)
		return
	}

	spans := render.Merge(text, rows)
	payload := spansPayload{ParagraphIndex: index, Spans: make([]spanPayload, 0, len(spans))}
	for _, span := range spans {
		ids := span.UnderlineIDs
		if ids == nil {
			ids = []string{}
		}
		payload.Spans = append(payload.Spans, spanPayload{
			Start:        span.Start,
			End:          span.End,
			Text:         span.Text,
			UnderlineIDs: ids,
			HasIdea:      span.HasIdea,
		})
	}
	c.JSON(http.StatusOK, payload)
}

// handleCaptureSelection resolves a raw selection into a pending range.
// Ignored selections answer 204.
func (h *httpHandler) handleCaptureSelection(c *gin.Context) {
	var uri bookURI
	if err := c.ShouldBindUri(&uri); err != nil {
		respondBindingError(c, err)
		return
	}
	var request selectionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondBindingError(c, err)
		return
	}
	book, err := uri.ref()
	if err != nil {
		h.respondError(c, err)
		return
	}

	selection := capture.Selection{
		Book:            book,
		AnchorParagraph: *request.AnchorParagraph,
		FocusParagraph:  *request.FocusParagraph,
		Text:            request.Text,
		PositionHint:    request.PositionHint,
	}
	paragraphText := ""
	if selection.AnchorParagraph >= 0 && selection.AnchorParagraph == selection.FocusParagraph {
		paragraphText, err = h.catalog.ParagraphText(c.Request.Context(), book, selection.AnchorParagraph)
		if err != nil {
			h.respondError(c, err)
			return
		}
	}

	pending, ok := capture.Capture(selection, paragraphText)
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, pendingPayload{
		BookType:       pending.Book.Type.String(),
		BookID:         pending.Book.ID,
		ParagraphIndex: pending.ParagraphIndex,
		StartOffset:    pending.StartOffset,
		EndOffset:      pending.EndOffset,
		Text:           pending.Text,
	})
}

func (h *httpHandler) bindParagraph(c *gin.Context) (catalog.BookRef, int, bool) {
	var uri paragraphURI
	if err := c.ShouldBindUri(&uri); err != nil {
		respondBindingError(c, err)
		return catalog.BookRef{}, 0, false
	}
	book, err := catalog.NewBookRef(uri.Type, uri.ID)
	if err != nil {
		h.respondError(c, err)
		return catalog.BookRef{}, 0, false
	}
	return book, uri.Index, true
}
