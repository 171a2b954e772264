package vq

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"vq-worker/internal/models"
)

// downloadConcurrency bounds parallel input downloads per job.
const downloadConcurrency = 4

// fileReference mirrors the VQ fileReferences record: the logical name
// plus the CDN coordinates of the stored bytes.
type fileReference struct {
	Name string `json:"name"`
	File struct {
		BaseURL   string `json:"baseUrl"`
		Folder    string `json:"folder"`
		FileHash  string `json:"fileHash"`
		Extension string `json:"extension"`
	} `json:"file"`
}

func (f fileReference) downloadURL() string {
	return f.File.BaseURL + "/" + f.File.Folder + "/" + f.File.FileHash + "." + f.File.Extension
}

// FetchInputs stages every input asset a job declares into dir and
// returns the staged assets in the order the job listed them. A missing
// file reference yields AssetUnavailableError.
func (c *Client) FetchInputs(ctx context.Context, job models.Job, dir string) ([]models.AssetRef, error) {
	refs := make([]models.AssetRef, len(job.InputFiles))
	urls := make([]string, len(job.InputFiles))
	for i, fileUUID := range job.InputFiles {
		ref, err := c.resolveFileReference(ctx, job.OrganisationUUID, fileUUID)
		if err != nil {
			return nil, err
		}
		// The UUID prefix keeps inputs that share a logical name from
		// staging onto the same path.
		refs[i] = models.AssetRef{
			UUID:      fileUUID,
			Name:      ref.Name,
			LocalPath: filepath.Join(dir, fileUUID.String()+"_"+filepath.Base(ref.Name)),
		}
		urls[i] = ref.downloadURL()
	}

	sem := make(chan struct{}, downloadConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i := range refs {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if err := c.downloadToFile(ctx, urls[idx], refs[idx].LocalPath); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("download %s: %w", refs[idx].UUID, err)
				}
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return refs, nil
}

func (c *Client) resolveFileReference(ctx context.Context, org, fileUUID uuid.UUID) (fileReference, error) {
	path := fmt.Sprintf("/api/v1/fileReferences/%s", fileUUID)
	u := c.apiURL(path, url.Values{"organisation": {org.String()}})

	resp, err := c.do(ctx, http.MethodGet, u, nil, "")
	if err != nil {
		return fileReference{}, &models.TransientError{Op: "resolve file reference", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fileReference{}, &models.AssetUnavailableError{AssetUUID: fileUUID.String()}
	}
	if resp.StatusCode != http.StatusOK {
		return fileReference{}, models.ClassifyStatus("resolve file reference", resp.StatusCode)
	}

	var ref fileReference
	if err := json.NewDecoder(resp.Body).Decode(&ref); err != nil {
		return fileReference{}, fmt.Errorf("decode file reference %s: %w", fileUUID, err)
	}
	if ref.Name == "" {
		ref.Name = fileUUID.String()
	}
	return ref, nil
}

func (c *Client) downloadToFile(ctx context.Context, downloadURL, destination string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &models.TransientError{Op: "download file", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return models.ClassifyStatus("download file", resp.StatusCode)
	}

	out, err := os.Create(destination)
	if err != nil {
		return fmt.Errorf("create %s: %w", destination, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("write %s: %w", destination, err)
	}
	return nil
}

// UploadOutputs sends each local file to the VQ file service under the
// destination folder, overwriting existing names and triggering any
// downstream automations.
func (c *Client) UploadOutputs(ctx context.Context, org, folderUUID uuid.UUID, outputs []models.AssetRef) error {
	u := c.apiURL("/api/v1/fileReferences/file", url.Values{
		"overwrite":    {"overwrite"},
		"runTriggers":  {"true"},
		"organisation": {org.String()},
	})

	for _, output := range outputs {
		if err := c.uploadOne(ctx, u, folderUUID, output); err != nil {
			return err
		}
		c.log.Info().Str("file", output.Name).Str("folder", folderUUID.String()).Msg("uploaded output")
	}
	return nil
}

func (c *Client) uploadOne(ctx context.Context, u string, folderUUID uuid.UUID, output models.AssetRef) error {
	file, err := os.Open(output.LocalPath)
	if err != nil {
		return fmt.Errorf("open output %s: %w", output.LocalPath, err)
	}
	defer file.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		part, err := mw.CreateFormFile("files_in", output.Name)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, file); err != nil {
			pw.CloseWithError(err)
			return
		}
		if err := mw.WriteField("folder_uuid", folderUUID.String()); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	resp, err := c.do(ctx, http.MethodPost, u, pr, mw.FormDataContentType())
	if err != nil {
		return &models.TransientError{Op: "upload output", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return models.ClassifyStatus("upload output", resp.StatusCode)
	}
	return nil
}
