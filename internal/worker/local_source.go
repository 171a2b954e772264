package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"vq-worker/internal/models"
)

// LocalRunner processes a fixed local input folder instead of polling
// the queue service (VQ_FILES_FOLDER mode). It synthesizes one job from
// the folder contents, dispatches it, writes outputs to an output/
// subfolder, and exits.
type LocalRunner struct {
	folder     string
	jobType    string
	dispatcher *Dispatcher
	log        zerolog.Logger
}

func NewLocalRunner(folder, jobType string, d *Dispatcher, log zerolog.Logger) *LocalRunner {
	d.Seal()
	return &LocalRunner{folder: folder, jobType: jobType, dispatcher: d, log: log}
}

// Run executes exactly one synthesized job. A failure result is
// returned as an error so the process exits non-zero for scripting.
func (r *LocalRunner) Run(ctx context.Context) error {
	inputs, err := r.collectInputs()
	if err != nil {
		return err
	}
	if len(inputs) == 0 {
		r.log.Info().Str("folder", r.folder).Msg("no local input files, nothing to do")
		return nil
	}

	workDir, err := os.MkdirTemp("", "vq-local-*")
	if err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	staged, err := r.stage(inputs, workDir)
	if err != nil {
		return err
	}

	job := models.Job{
		TaskUUID: uuid.New(),
		Type:     r.jobType,
		Params: map[string]any{
			"destinationFolder": uuid.Nil.String(),
		},
	}
	r.log.Info().Str("type", job.Type).Int("inputs", len(staged)).Msg("processing local folder")

	result := r.dispatcher.Dispatch(ctx, job, staged, workDir)
	if result.Failed() {
		return fmt.Errorf("local job failed (%s): %s", result.Failure.Kind, result.Failure.Message)
	}
	r.log.Info().Int("outputs", len(result.Outputs)).Dur("duration", result.Metrics.Duration).Msg("local job complete")
	return nil
}

func (r *LocalRunner) collectInputs() ([]string, error) {
	entries, err := os.ReadDir(r.folder)
	if err != nil {
		return nil, fmt.Errorf("read input folder %s: %w", r.folder, err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		paths = append(paths, filepath.Join(r.folder, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// stage copies inputs into the scratch dir so handlers can treat local
// runs exactly like staged queue inputs.
func (r *LocalRunner) stage(paths []string, workDir string) ([]models.AssetRef, error) {
	refs := make([]models.AssetRef, 0, len(paths))
	for _, path := range paths {
		dest := filepath.Join(workDir, filepath.Base(path))
		if err := copyFile(path, dest); err != nil {
			return nil, err
		}
		refs = append(refs, models.AssetRef{Name: filepath.Base(path), LocalPath: dest})
	}
	return refs, nil
}

// FolderUploader satisfies Uploader by writing outputs into a local
// directory, used in VQ_FILES_FOLDER mode where there is no file service.
type FolderUploader struct {
	dir string
}

func NewFolderUploader(dir string) *FolderUploader {
	return &FolderUploader{dir: dir}
}

func (u *FolderUploader) UploadOutputs(_ context.Context, _, _ uuid.UUID, outputs []models.AssetRef) error {
	if err := os.MkdirAll(u.dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	for _, output := range outputs {
		if err := copyFile(output.LocalPath, filepath.Join(u.dir, output.Name)); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy to %s: %w", dest, err)
	}
	return nil
}
