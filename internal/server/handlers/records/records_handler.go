package records

import (
	"errors"
	"net/http"

	"github.com/caltaylor/dirwatch/internal/server/handlers/api"
	"github.com/caltaylor/dirwatch/internal/server/statestore"
	"github.com/gin-gonic/gin"
)

type RecordsHandler struct {
	store *statestore.Store
}

func New(store *statestore.Store) *RecordsHandler {
	return &RecordsHandler{
		store: store,
	}
}

// Get returns one record for `path`, the records matching `pattern`, or the full snapshot
func (h *RecordsHandler) Get(ctx *gin.Context) {
	var req RecordsRequest
	if err := ctx.ShouldBindQuery(&req); err != nil {
		api.AbortWithError(ctx, http.StatusBadRequest, api.CodeInvalidRequest, err)
		return
	}

	if req.Path != "" {
		rec, err := h.store.Get(ctx.Request.Context(), req.Path)
		if errors.Is(err, statestore.ErrRecordNotFound) {
			api.AbortWithError(ctx, http.StatusNotFound, api.CodeRecordNotFound, err)
			return
		} else if err != nil {
			api.AbortWithError(ctx, http.StatusInternalServerError, api.CodeInternalError, err)
			return
		}
		ctx.PureJSON(http.StatusOK, rec)
		return
	}

	records := []statestore.Record{}
	for rec, err := range h.store.Snapshot(ctx.Request.Context(), req.Pattern) {
		if errors.Is(err, statestore.ErrInvalidPattern) {
			api.AbortWithError(ctx, http.StatusBadRequest, api.CodeInvalidPattern, err)
			return
		} else if err != nil {
			api.AbortWithError(ctx, http.StatusInternalServerError, api.CodeInternalError, err)
			return
		}
		records = append(records, rec)
	}

	ctx.PureJSON(http.StatusOK, &RecordsResponse{
		Records: records,
		Count:   len(records),
	})
}

// Changes pages through the change log
func (h *RecordsHandler) Changes(ctx *gin.Context) {
	var req ChangesRequest
	if err := ctx.ShouldBindQuery(&req); err != nil {
		api.AbortWithError(ctx, http.StatusBadRequest, api.CodeInvalidRequest, err)
		return
	}

	changes, err := h.store.Changes(ctx.Request.Context(), req.Since, req.Limit)
	if err != nil {
		api.AbortWithError(ctx, http.StatusInternalServerError, api.CodeInternalError, err)
		return
	}

	next := req.Since
	if len(changes) > 0 {
		next = changes[len(changes)-1].ID
	}

	ctx.PureJSON(http.StatusOK, &ChangesResponse{
		Changes: changes,
		Next:    next,
	})
}
