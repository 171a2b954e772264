package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"vq-worker/internal/models"
)

// JobTypeMergePDF tags PDF merge tasks.
const JobTypeMergePDF = "pdf-merge"

const defaultMergedName = "merged.pdf"

// MergeHandler concatenates the job's input PDFs in claim order and
// uploads the result to the destination folder. It needs no device
// lease and runs in seconds.
type MergeHandler struct {
	files Uploader
	log   zerolog.Logger
}

func NewMergeHandler(files Uploader, log zerolog.Logger) *MergeHandler {
	return &MergeHandler{files: files, log: log}
}

func (h *MergeHandler) Type() string { return JobTypeMergePDF }

func (h *MergeHandler) Requirements() Requirements { return Requirements{} }

// Process merges the staged inputs. Corrupt or unsupported inputs are
// permanent failures; delivery problems stay retryable. On a processing
// failure an error-log artifact is uploaded next to where the output
// would have gone, so job owners can see what happened without worker
// access.
func (h *MergeHandler) Process(ctx context.Context, job models.Job, inputs []models.AssetRef, workDir string) models.JobResult {
	folder, ok := job.UUIDParam("destinationFolder")
	if !ok {
		return resultFromError(Permanentf("task %s: destinationFolder missing or invalid", job.TaskUUID))
	}
	if len(inputs) == 0 {
		return resultFromError(Permanentf("task %s: no input files to merge", job.TaskUUID))
	}

	outputName, _ := job.StringParam("outputName")
	if outputName == "" {
		outputName = defaultMergedName
	}

	output, err := h.merge(ctx, job, inputs, workDir, outputName)
	if err != nil {
		h.uploadErrorLog(ctx, job, folder, workDir, err)
		return resultFromError(err)
	}

	if err := h.files.UploadOutputs(ctx, job.OrganisationUUID, folder, []models.AssetRef{output}); err != nil {
		return resultFromError(err)
	}

	return models.Succeed([]models.AssetRef{output}, models.Metrics{
		InputBytes:  totalSize(inputs),
		OutputBytes: fileSize(output.LocalPath),
	})
}

func (h *MergeHandler) merge(ctx context.Context, job models.Job, inputs []models.AssetRef, workDir, outputName string) (models.AssetRef, error) {
	if err := ctx.Err(); err != nil {
		return models.AssetRef{}, err
	}

	paths := lo.Map(inputs, func(a models.AssetRef, _ int) string { return a.LocalPath })
	outputPath := filepath.Join(workDir, outputName)

	h.log.Info().Int("files", len(paths)).Str("output", outputName).Msg("merging")
	if err := api.MergeCreateFile(paths, outputPath, false, nil); err != nil {
		// pdfcpu rejects malformed input; retrying the same bytes
		// cannot succeed.
		return models.AssetRef{}, Permanent(fmt.Errorf("merge pdfs: %w", err))
	}

	return models.AssetRef{Name: outputName, LocalPath: outputPath}, nil
}

// uploadErrorLog writes the failure into the destination folder, best
// effort.
func (h *MergeHandler) uploadErrorLog(ctx context.Context, job models.Job, folder uuid.UUID, workDir string, cause error) {
	h.log.Info().Msg("attempting to write error log to vq files folder")

	name := fmt.Sprintf("error_log_%s_%s.txt", job.TaskUUID, time.Now().Format("20060102-150405"))
	path := filepath.Join(workDir, name)
	if err := os.WriteFile(path, []byte(cause.Error()+"\n"), 0o644); err != nil {
		h.log.Error().Err(err).Msg("write error log failed")
		return
	}
	ref := models.AssetRef{Name: name, LocalPath: path}
	if err := h.files.UploadOutputs(ctx, job.OrganisationUUID, folder, []models.AssetRef{ref}); err != nil {
		h.log.Error().Err(err).Msg("upload error log failed")
	}
}

func totalSize(refs []models.AssetRef) int64 {
	var total int64
	for _, r := range refs {
		total += fileSize(r.LocalPath)
	}
	return total
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
