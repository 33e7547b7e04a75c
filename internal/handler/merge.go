// Package handler contains HTTP handlers for the Bindery application.
//
// This file implements the merge endpoint.
//
// Route:
//   - POST /api/merge -> HandleMerge
//
// The endpoint accepts a multipart form with 2-10 PDF files in the "pdfs"
// field, checks the user's entitlement, concatenates the documents, and
// streams the result back as an attachment.
package handler

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bindery-app/bindery/internal/auth"
	"github.com/bindery-app/bindery/internal/domain"
	"github.com/bindery-app/bindery/internal/metrics"
	"github.com/bindery-app/bindery/internal/service"
)

// multipartMemoryLimit is how much of the upload is held in memory before
// spilling to disk.
const multipartMemoryLimit = 32 << 20

// MergeHandler handles PDF merge requests.
type MergeHandler struct {
	entitlement service.EntitlementService
	merger      service.MergeService
	limits      service.MergeLimits
	logger      *slog.Logger
}

// NewMergeHandler creates a new MergeHandler.
func NewMergeHandler(entitlement service.EntitlementService, merger service.MergeService, limits service.MergeLimits, logger *slog.Logger) *MergeHandler {
	return &MergeHandler{
		entitlement: entitlement,
		merger:      merger,
		limits:      limits,
		logger:      logger,
	}
}

// RegisterRoutes registers merge routes on the provided mux.
func (h *MergeHandler) RegisterRoutes(mux *http.ServeMux, requireUser func(http.Handler) http.Handler) {
	mux.Handle("POST /api/merge", requireUser(http.HandlerFunc(h.HandleMerge)))
}

// HandleMerge merges the uploaded PDFs for the authenticated user.
func (h *MergeHandler) HandleMerge(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		UnauthorizedResponse(w, r, h.logger)
		return
	}

	decision, err := h.entitlement.CheckAdmission(r.Context(), userID)
	if err != nil {
		// Fail closed: without a provable entitlement the merge is denied.
		ErrorResponse(w, r, h.logger, err)
		return
	}
	if !decision.Admitted {
		metrics.MergesTotal.WithLabelValues("rejected").Inc()
		metrics.QuotaRejectionsTotal.Inc()
		h.rejectQuota(w, decision)
		return
	}

	inputs, err := h.readUploads(r)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	merged, err := h.merger.Merge(r.Context(), inputs)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	// The merge succeeded; from here on the user gets their file no matter
	// what. A failed usage update means undercounting, already alerted on
	// inside the service.
	if _, err := h.entitlement.RecordSuccess(r.Context(), userID); err != nil {
		h.logger.Warn("merge delivered without usage update", "user_id", userID)
	}
	metrics.MergesTotal.WithLabelValues("success").Inc()

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="merged.pdf"`)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(merged)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(merged); err != nil {
		h.logger.Debug("client disconnected during download", "user_id", userID, "error", err)
	}
}

// rejectQuota renders the structured daily-limit rejection, including when
// the counter resets so clients can show a countdown.
func (h *MergeHandler) rejectQuota(w http.ResponseWriter, decision *domain.AdmissionDecision) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", int(time.Until(decision.ResetAt).Seconds())))
	respondJSON(w, http.StatusTooManyRequests, map[string]interface{}{
		"error":     "daily_limit_exceeded",
		"message":   "You have used all free merges for today. Upgrade for unlimited merges or try again tomorrow.",
		"dailyUsed": decision.DailyUsed,
		"limit":     decision.Limit,
		"resetAt":   decision.ResetAt.Format(time.RFC3339),
	})
}

// readUploads extracts the uploaded documents from the multipart form.
func (h *MergeHandler) readUploads(r *http.Request) ([]service.MergeInput, error) {
	const op = "merge.read_uploads"

	r.Body = http.MaxBytesReader(nil, r.Body, h.limits.MaxTotalBytes)
	if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
		return nil, domain.Errorf(domain.ETOOLARGE, op, "upload too large or malformed")
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	files := r.MultipartForm.File["pdfs"]
	if len(files) < service.MinMergeFiles {
		return nil, domain.Invalid(op, "at least 2 PDF files are required")
	}
	if len(files) > h.limits.MaxFiles {
		return nil, domain.Invalid(op, fmt.Sprintf("at most %d files may be merged at once", h.limits.MaxFiles))
	}

	inputs := make([]service.MergeInput, 0, len(files))
	for _, fh := range files {
		if fh.Size > h.limits.MaxFileBytes {
			return nil, domain.Errorf(domain.ETOOLARGE, op, "%q exceeds the per-file size limit", fh.Filename)
		}

		f, err := fh.Open()
		if err != nil {
			return nil, domain.Internal(err, op, "failed to read upload")
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return nil, domain.Internal(err, op, "failed to read upload")
		}

		inputs = append(inputs, service.MergeInput{Name: fh.Filename, Data: data})
	}
	return inputs, nil
}
