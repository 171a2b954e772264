package worker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"vq-worker/internal/archive"
	"vq-worker/internal/models"
)

// JobTypeCapture tags GPU product-capture tasks.
const JobTypeCapture = "capture-product"

// DeviceGPU names the exclusive device lease capture runs hold.
const DeviceGPU = "gpu"

const previewWidth = 320

// CaptureHandler runs the external GPU capture tool over the staged
// product inputs, generates preview thumbnails of the produced imagery,
// uploads the results, and archives the raw artifacts. Runs can take
// minutes, so the claim heartbeat matters here.
type CaptureHandler struct {
	files Uploader
	sink  archive.Sink
	tool  string
	log   zerolog.Logger
}

func NewCaptureHandler(files Uploader, sink archive.Sink, tool string, log zerolog.Logger) *CaptureHandler {
	return &CaptureHandler{files: files, sink: sink, tool: tool, log: log}
}

func (h *CaptureHandler) Type() string { return JobTypeCapture }

func (h *CaptureHandler) Requirements() Requirements { return Requirements{Device: DeviceGPU} }

func (h *CaptureHandler) Process(ctx context.Context, job models.Job, inputs []models.AssetRef, workDir string) models.JobResult {
	folder, ok := job.UUIDParam("destinationFolder")
	if !ok {
		return resultFromError(Permanentf("task %s: destinationFolder missing or invalid", job.TaskUUID))
	}
	if h.tool == "" {
		// Another worker image may carry the tooling; keep the job alive.
		return models.Fail(models.ErrKindHandlerFault, "no capture tool configured on this worker", true)
	}

	outDir := filepath.Join(workDir, "capture-out")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return resultFromError(fmt.Errorf("create capture output dir: %w", err))
	}

	if err := h.runTool(ctx, job, workDir, outDir); err != nil {
		return resultFromError(err)
	}

	produced, err := collectOutputs(outDir)
	if err != nil {
		return resultFromError(err)
	}
	if len(produced) == 0 {
		return resultFromError(Permanentf("capture tool produced no output for task %s", job.TaskUUID))
	}

	previews := h.makePreviews(produced, outDir)
	outputs := append(produced, previews...)

	h.archiveArtifacts(ctx, job, produced)

	if err := h.files.UploadOutputs(ctx, job.OrganisationUUID, folder, outputs); err != nil {
		return resultFromError(err)
	}

	return models.Succeed(outputs, models.Metrics{
		InputBytes:  totalSize(inputs),
		OutputBytes: totalSize(outputs),
	})
}

// runTool invokes the configured capture binary with the staged input
// and output directories. The tool owns the GPU work; this process only
// supervises it.
func (h *CaptureHandler) runTool(ctx context.Context, job models.Job, inDir, outDir string) error {
	cmd := exec.CommandContext(ctx, h.tool)
	cmd.Env = append(os.Environ(),
		"CAPTURE_INPUT_DIR="+inDir,
		"CAPTURE_OUTPUT_DIR="+outDir,
		"CAPTURE_TASK_UUID="+job.TaskUUID.String(),
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	h.log.Info().Str("tool", h.tool).Msg("starting capture tool")
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("capture tool failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// makePreviews renders small thumbnails of captured imagery so the job
// owner gets a browsable result without pulling full-size artifacts.
// Preview failures are logged and skipped; they never fail the job.
func (h *CaptureHandler) makePreviews(produced []models.AssetRef, outDir string) []models.AssetRef {
	images := lo.Filter(produced, func(a models.AssetRef, _ int) bool { return isImageFile(a.Name) })

	previews := make([]models.AssetRef, 0, len(images))
	for _, img := range images {
		src, err := imaging.Open(img.LocalPath)
		if err != nil {
			h.log.Warn().Err(err).Str("file", img.Name).Msg("preview decode failed")
			continue
		}
		thumb := imaging.Resize(src, previewWidth, 0, imaging.Lanczos)

		name := "preview_" + strings.TrimSuffix(img.Name, filepath.Ext(img.Name)) + ".jpg"
		path := filepath.Join(outDir, name)
		if err := imaging.Save(thumb, path, imaging.JPEGQuality(85)); err != nil {
			h.log.Warn().Err(err).Str("file", name).Msg("preview encode failed")
			continue
		}
		previews = append(previews, models.AssetRef{Name: name, LocalPath: path})
	}
	return previews
}

// archiveArtifacts copies raw capture output to the configured sink,
// best effort.
func (h *CaptureHandler) archiveArtifacts(ctx context.Context, job models.Job, produced []models.AssetRef) {
	if h.sink == nil {
		return
	}
	for _, artifact := range produced {
		key := fmt.Sprintf("captures/%s/%s", job.TaskUUID, artifact.Name)
		if _, err := archive.StoreFile(ctx, h.sink, key, artifact.LocalPath, ""); err != nil {
			h.log.Warn().Err(err).Str("file", artifact.Name).Msg("artifact archive failed")
		}
	}
}

func collectOutputs(outDir string) ([]models.AssetRef, error) {
	entries, err := os.ReadDir(outDir)
	if err != nil {
		return nil, fmt.Errorf("read capture output dir: %w", err)
	}
	var outputs []models.AssetRef
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		outputs = append(outputs, models.AssetRef{
			Name:      e.Name(),
			LocalPath: filepath.Join(outDir, e.Name()),
		})
	}
	return outputs, nil
}

func isImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg", ".tif", ".tiff":
		return true
	}
	return false
}
