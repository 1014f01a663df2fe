package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"mediamill/internal/config"
	"mediamill/internal/downloader"
	"mediamill/internal/taskerr"
)

// DownloadRequest is the /download_video payload.
type DownloadRequest struct {
	VideoURL string `json:"video_url" binding:"required"`
	Quality  string `json:"quality"`
	Format   string `json:"format"`
}

func (r *DownloadRequest) applyDefaults() {
	if r.Quality == "" {
		r.Quality = downloader.QualityBest
	}
	if r.Format == "" {
		r.Format = downloader.ContainerMP4
	}
}

// DownloadResult is the completed-download projection.
type DownloadResult struct {
	FilePath             string `json:"file_path"`
	ActualFormat         string `json:"actual_format"`
	ActualResolution     string `json:"actual_resolution"`
	FileSize             int64  `json:"file_size"`
	AvailableFormatCount int    `json:"available_format_count"`
}

// ValidateDownload rejects a malformed request before task creation.
func ValidateDownload(req *DownloadRequest) error {
	req.applyDefaults()
	if err := downloader.ValidateURL(req.VideoURL); err != nil {
		return err
	}
	return downloader.ValidateOptions(req.Quality, req.Format)
}

// SubmitDownload starts the download pipeline for an admitted task.
func (e *Executor) SubmitDownload(taskID string, req DownloadRequest) {
	e.launch(taskID, func(ctx context.Context) (any, error) {
		return e.download(ctx, taskID, req)
	})
}

func (e *Executor) download(ctx context.Context, taskID string, req DownloadRequest) (*DownloadResult, error) {
	req.applyDefaults()
	e.stage(taskID, "probing source", 2)

	dir := e.cfg.TaskDir(config.DirDownloads, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, taskerr.Wrap(taskerr.KindFileSystem, err, "create download dir")
	}

	e.stage(taskID, "downloading", 5)
	onProgress := func(pct float64) {
		// Hold back the last few percent for the merge and probe steps.
		p := int(pct)
		if p > 95 {
			p = 95
		}
		e.registry.SetProgress(taskID, p, "downloading")
	}
	path, meta, err := e.fetch(ctx, taskID, req.VideoURL, req.Quality, req.Format, dir, onProgress)
	if err != nil {
		return nil, err
	}

	e.stage(taskID, "verifying", 96)
	info, err := e.probeFile(ctx, path)
	if err != nil {
		return nil, err
	}
	stat, err := os.Stat(path)
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindFileSystem, err, "stat downloaded file")
	}

	res := &DownloadResult{
		FilePath:             path,
		ActualFormat:         filepath.Ext(path),
		FileSize:             stat.Size(),
		AvailableFormatCount: meta.FormatCount,
	}
	if res.ActualFormat != "" {
		res.ActualFormat = res.ActualFormat[1:]
	}
	if info.Width > 0 && info.Height > 0 {
		res.ActualResolution = fmt.Sprintf("%dx%d", info.Width, info.Height)
	} else {
		res.ActualResolution = meta.Resolution()
	}
	return res, nil
}
