// Package downloader assembles yt-dlp invocations and parses its output.
// Like the planner it builds argument vectors only; execution belongs to
// the runner.
package downloader

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"mediamill/internal/taskerr"
)

// Quality labels accepted by the download endpoint.
const (
	QualityBest  = "best"
	QualityWorst = "worst"
	Quality1080p = "1080p"
	Quality720p  = "720p"
	Quality480p  = "480p"
)

// Container formats accepted by the download endpoint.
const (
	ContainerMP4  = "mp4"
	ContainerWebM = "webm"
	ContainerMKV  = "mkv"
)

// MaxDurationSeconds caps how long a source may be before download is
// refused.
const MaxDurationSeconds = 10800

// sizeHeadroom is how many times the estimated file size must fit into
// free disk, leaving room for the container merge step.
const sizeHeadroom = 2

// ValidateURL accepts http(s) URLs with any host; yt-dlp supports hundreds
// of sites so host checking stays lenient.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return taskerr.Wrap(taskerr.KindInputValidation, err, "invalid url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return taskerr.New(taskerr.KindInputValidation, "unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return taskerr.New(taskerr.KindInputValidation, "url has no host")
	}
	return nil
}

// ValidateOptions checks the quality x container matrix.
func ValidateOptions(quality, container string) error {
	switch quality {
	case QualityBest, QualityWorst, Quality1080p, Quality720p, Quality480p:
	default:
		return taskerr.New(taskerr.KindInputValidation, "unsupported quality %q", quality)
	}
	switch container {
	case ContainerMP4, ContainerWebM, ContainerMKV:
	default:
		return taskerr.New(taskerr.KindInputValidation, "unsupported format %q", container)
	}
	return nil
}

// FormatSelector renders the yt-dlp -f expression for a quality/container
// pair. Height-capped qualities fall back to the best available at or below
// the cap.
func FormatSelector(quality, container string) string {
	ext := "[ext=" + container + "]"
	switch quality {
	case QualityWorst:
		return "worstvideo" + ext + "+worstaudio/worst" + ext + "/worst"
	case Quality1080p, Quality720p, Quality480p:
		height := strings.TrimSuffix(quality, "p")
		h := "[height<=" + height + "]"
		return "bestvideo" + h + ext + "+bestaudio/best" + h + ext + "/best" + h
	default:
		return "bestvideo" + ext + "+bestaudio/best" + ext + "/best"
	}
}

// Argv builds the download invocation. outputTemplate is a yt-dlp -o
// template; --newline makes progress lines scannable one per line.
func Argv(rawURL, quality, container, outputTemplate string) ([]string, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}
	if err := ValidateOptions(quality, container); err != nil {
		return nil, err
	}
	return []string{
		"--newline",
		"--no-playlist",
		"--no-warnings",
		"-f", FormatSelector(quality, container),
		"--merge-output-format", container,
		"-o", outputTemplate,
		rawURL,
	}, nil
}

// MetadataArgv builds the pre-flight probe invocation.
func MetadataArgv(rawURL string) []string {
	return []string{"--dump-json", "--no-playlist", "--no-warnings", rawURL}
}

// Metadata is the subset of yt-dlp's info JSON the pre-flight needs.
type Metadata struct {
	Title       string
	Duration    float64
	Filesize    int64
	Width       int
	Height      int
	Ext         string
	FormatCount int
}

// Resolution renders "WxH", or "" when unknown.
func (m Metadata) Resolution() string {
	if m.Width <= 0 || m.Height <= 0 {
		return ""
	}
	return strconv.Itoa(m.Width) + "x" + strconv.Itoa(m.Height)
}

// ParseMetadata decodes a yt-dlp --dump-json document. Filesize prefers the
// exact value and falls back to the extractor's estimate.
func ParseMetadata(data []byte) (Metadata, error) {
	var raw struct {
		Title          string            `json:"title"`
		Duration       float64           `json:"duration"`
		Filesize       int64             `json:"filesize"`
		FilesizeApprox int64             `json:"filesize_approx"`
		Width          int               `json:"width"`
		Height         int               `json:"height"`
		Ext            string            `json:"ext"`
		Formats        []json.RawMessage `json:"formats"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Metadata{}, taskerr.Wrap(taskerr.KindNetwork, err, "unparsable downloader metadata")
	}
	size := raw.Filesize
	if size == 0 {
		size = raw.FilesizeApprox
	}
	return Metadata{
		Title:       raw.Title,
		Duration:    raw.Duration,
		Filesize:    size,
		Width:       raw.Width,
		Height:      raw.Height,
		Ext:         raw.Ext,
		FormatCount: len(raw.Formats),
	}, nil
}

// Preflight rejects sources too long or too large for the current free-disk
// reading. An unknown size (0) passes the size check.
func Preflight(meta Metadata, freeDiskBytes uint64) error {
	if meta.Duration > MaxDurationSeconds {
		return taskerr.New(taskerr.KindResourceLimit,
			"video duration %.0fs exceeds the %ds limit", meta.Duration, MaxDurationSeconds)
	}
	if meta.Filesize > 0 && uint64(meta.Filesize)*sizeHeadroom > freeDiskBytes {
		return taskerr.New(taskerr.KindResourceLimit,
			"estimated size %d bytes does not fit in %d bytes free disk", meta.Filesize, freeDiskBytes)
	}
	return nil
}

// yt-dlp with --newline prints one progress line per update:
//
//	[download]  42.3% of   10.50MiB at    1.20MiB/s ETA 00:05
var progressRe = regexp.MustCompile(`\[download\]\s+(\d+(?:\.\d+)?)%`)

// ParseProgress extracts the percent from a progress line.
func ParseProgress(line string) (float64, bool) {
	m := progressRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return pct, true
}

// destinationRe matches the line naming the merged output file.
var destinationRe = regexp.MustCompile(`\[(?:download|Merger)\]\s+(?:Destination:\s+|Merging formats into ")([^"]+?)"?\s*$`)

// ParseDestination extracts the output path announced on a log line. The
// merger's announcement supersedes the per-stream destinations.
func ParseDestination(line string) (string, bool) {
	m := destinationRe.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return m[1], true
}
