// Package service contains the business logic layer.
//
// This file implements PDF concatenation on top of pdfcpu.
package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/bindery-app/bindery/internal/domain"
	"github.com/bindery-app/bindery/internal/metrics"
)

// MinMergeFiles is the smallest number of documents worth concatenating.
const MinMergeFiles = 2

var pdfHeader = []byte("%PDF-")

// MergeInput is one uploaded document.
type MergeInput struct {
	Name string
	Data []byte
}

// MergeLimits caps what a single merge request may contain. The upload
// handler enforces the aggregate body cap as well; these are the authoritative
// values.
type MergeLimits struct {
	MaxFiles      int
	MaxFileBytes  int64
	MaxTotalBytes int64
}

// MergeService concatenates PDF documents in the order given.
type MergeService interface {
	Merge(ctx context.Context, inputs []MergeInput) ([]byte, error)
}

type mergeService struct {
	limits MergeLimits
	logger *slog.Logger
	conf   *model.Configuration
}

// NewMergeService creates a MergeService with the given limits.
func NewMergeService(limits MergeLimits, logger *slog.Logger) MergeService {
	conf := model.NewDefaultConfiguration()
	// User uploads come from many producers; strict validation rejects too
	// much real-world output.
	conf.ValidationMode = model.ValidationRelaxed

	return &mergeService{
		limits: limits,
		logger: logger,
		conf:   conf,
	}
}

// Merge validates the inputs and concatenates them into a single document.
func (s *mergeService) Merge(ctx context.Context, inputs []MergeInput) ([]byte, error) {
	const op = "merge.merge"

	if err := s.validate(op, inputs); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, domain.Internal(err, op, "request cancelled")
	}

	start := time.Now()

	readers := make([]io.ReadSeeker, len(inputs))
	for i, in := range inputs {
		readers[i] = bytes.NewReader(in.Data)
	}

	var out bytes.Buffer
	if err := api.MergeRaw(readers, &out, false, s.conf); err != nil {
		metrics.MergesTotal.WithLabelValues("failed").Inc()
		return nil, domain.Invalid(op, fmt.Sprintf("failed to merge documents: %v", err))
	}

	metrics.MergeDuration.Observe(time.Since(start).Seconds())
	metrics.MergeInputFiles.Observe(float64(len(inputs)))

	s.logger.Debug("documents merged",
		"files", len(inputs),
		"bytes_out", out.Len(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out.Bytes(), nil
}

func (s *mergeService) validate(op string, inputs []MergeInput) error {
	if len(inputs) < MinMergeFiles {
		return domain.Invalid(op, "at least 2 PDF files are required")
	}
	if s.limits.MaxFiles > 0 && len(inputs) > s.limits.MaxFiles {
		return domain.Invalid(op, fmt.Sprintf("at most %d files may be merged at once", s.limits.MaxFiles))
	}

	var total int64
	for _, in := range inputs {
		size := int64(len(in.Data))
		if size == 0 {
			return domain.Invalid(op, fmt.Sprintf("%q is empty", in.Name))
		}
		if s.limits.MaxFileBytes > 0 && size > s.limits.MaxFileBytes {
			return domain.Errorf(domain.ETOOLARGE, op, "%q exceeds the %d byte per-file limit", in.Name, s.limits.MaxFileBytes)
		}
		if !bytes.HasPrefix(in.Data, pdfHeader) {
			return domain.Invalid(op, fmt.Sprintf("%q is not a PDF file", in.Name))
		}
		total += size
	}
	if s.limits.MaxTotalBytes > 0 && total > s.limits.MaxTotalBytes {
		return domain.Errorf(domain.ETOOLARGE, op, "combined upload exceeds the %d byte limit", s.limits.MaxTotalBytes)
	}
	return nil
}
