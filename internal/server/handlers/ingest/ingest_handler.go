package ingest

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/caltaylor/dirwatch/internal/server/handlers/api"
	"github.com/caltaylor/dirwatch/internal/server/ingest"
	"github.com/caltaylor/dirwatch/internal/transition"
	"github.com/gin-gonic/gin"
)

const (
	DefaultMaxBodyBytes = 32 << 20 // 32 MiB

	headerClientID = "X-Dirwatch-Client-Id"
)

type IngestHandler struct {
	svc          *ingest.Service
	maxBodyBytes int64
}

func New(svc *ingest.Service, maxBodyBytes int64) *IngestHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &IngestHandler{
		svc:          svc,
		maxBodyBytes: maxBodyBytes,
	}
}

// Ingest applies one batch. 400 means the batch is malformed and must not be resent,
// 500 means some transitions were not stored and the whole batch should be resent.
func (h *IngestHandler) Ingest(ctx *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(ctx.Writer, ctx.Request.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.AbortWithError(ctx, http.StatusRequestEntityTooLarge, api.CodeInvalidRequest, fmt.Errorf("body exceeds %d bytes", tooLarge.Limit))
			return
		}
		api.AbortWithError(ctx, http.StatusBadRequest, api.CodeInvalidRequest, fmt.Errorf("read body: %w", err))
		return
	}

	var batch transition.Batch
	if err := transition.Unmarshal(body, &batch); err != nil {
		api.AbortWithError(ctx, http.StatusBadRequest, api.CodeValidationFailed, fmt.Errorf("decode batch: %w", err))
		return
	}
	if batch.ClientID == "" {
		batch.ClientID = ctx.GetHeader(headerClientID)
	}

	resp, err := h.svc.Ingest(ctx.Request.Context(), &batch)
	if err != nil {
		var verr *transition.ValidationError
		if errors.As(err, &verr) {
			slog.Warn("batch rejected", "client", batch.ClientID, "batch", batch.BatchID, "problems", len(verr.Problems), "error", verr)
			api.AbortWithError(ctx, http.StatusBadRequest, api.CodeValidationFailed, verr)
			return
		}
		api.AbortWithError(ctx, http.StatusInternalServerError, api.CodeInternalError, err)
		return
	}

	if rejected := resp.Rejected(); len(rejected) > 0 {
		ctx.Error(fmt.Errorf("%d of %d transitions not applied", len(rejected), len(resp.Results))) //nolint:errcheck
		ctx.PureJSON(http.StatusInternalServerError, resp)
		return
	}

	ctx.PureJSON(http.StatusOK, resp)
}
