package api

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/evalsync/internal/database"
	"github.com/NikhilSetiya/evalsync/pkg/types"
)

// PatternLister lists persisted patterns
type PatternLister interface {
	ListPatterns(ctx context.Context, filter *database.PatternFilter, pagination *database.Pagination) ([]types.Pattern, int64, error)
}

// PatternHandler handles pattern endpoints
type PatternHandler struct {
	store PatternLister
}

// NewPatternHandler creates a pattern handler
func NewPatternHandler(store PatternLister) *PatternHandler {
	return &PatternHandler{store: store}
}

// ListPatterns lists patterns filtered by dataset, kind, experiment and
// minimum confidence
func (h *PatternHandler) ListPatterns(c *gin.Context) {
	filter := &database.PatternFilter{
		DatasetName:  c.Query("dataset"),
		ExperimentID: c.Query("experiment_id"),
	}

	if kind := c.Query("kind"); kind != "" {
		filter.Kind = types.PatternKind(kind)
		if !filter.Kind.Valid() {
			BadRequestResponse(c, "kind must be one of QA, RAG, EVAL")
			return
		}
	}

	if raw := c.Query("min_confidence"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 1 {
			BadRequestResponse(c, "min_confidence must be a number between 0 and 1")
			return
		}
		filter.MinConfidence = v
	}

	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		BadRequestResponse(c, "page must be a positive integer")
		return
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", strconv.Itoa(database.DefaultPageSize)))
	if err != nil || pageSize < 1 || pageSize > 500 {
		BadRequestResponse(c, "page_size must be between 1 and 500")
		return
	}

	patterns, total, err := h.store.ListPatterns(c.Request.Context(), filter, &database.Pagination{
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	PaginatedResponse(c, patterns, page, pageSize, total)
}
