package ytdlp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os/exec"
	"strings"

	"github.com/NamanBalaji/fetchd/internal/config"
	"github.com/NamanBalaji/fetchd/internal/errors"
	"github.com/NamanBalaji/fetchd/internal/job"
)

// ErrBinaryNotFound indicates the configured yt-dlp binary was not found.
var ErrBinaryNotFound = errors.New("yt-dlp binary not found")

// ErrFormatNotFound indicates the requested format is not offered upstream.
var ErrFormatNotFound = errors.New("format not found")

// Format describes one downloadable format as reported by yt-dlp.
type Format struct {
	ID        string  `json:"formatId"`
	Container string  `json:"container"`
	HasAudio  bool    `json:"hasAudio"`
	HasVideo  bool    `json:"hasVideo"`
	Bitrate   float64 `json:"bitrateOrQuality"`
	SizeBytes int64   `json:"sizeBytes,omitempty"`

	directURL string
}

// MediaInfo is the metadata exposed by the info endpoint.
type MediaInfo struct {
	Title           string   `json:"title"`
	DurationSeconds float64  `json:"durationSeconds"`
	VideoFormats    []Format `json:"videoFormats"`
	AudioFormats    []Format `json:"audioFormats"`
}

// CanHandle determines whether the provided URL should be handled by yt-dlp.
func CanHandle(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	host := strings.ToLower(u.Host)
	host = strings.TrimPrefix(host, "www.")

	switch {
	case host == "youtu.be":
		return true
	case strings.HasSuffix(host, "youtube.com"):
		return true
	case strings.HasSuffix(host, "youtube-nocookie.com"):
		return true
	default:
		return false
	}
}

// Probe retrieves title, duration and the available formats for a URL.
func Probe(ctx context.Context, cfg *config.YTDLPConfig, mediaURL string) (*MediaInfo, error) {
	if cfg == nil {
		return nil, fmt.Errorf("ytdlp config is required")
	}

	binary := cfg.BinaryPath
	if strings.TrimSpace(binary) == "" {
		binary = "yt-dlp"
	}

	if _, err := exec.LookPath(binary); err != nil {
		return nil, errors.NewProcessError(ErrBinaryNotFound, mediaURL, false)
	}

	args := []string{"-J", "--no-playlist", mediaURL}
	cmd := exec.CommandContext(ctx, binary, args...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		trimmed := strings.TrimSpace(string(output))
		if trimmed != "" {
			return nil, classifyOutput(trimmed, mediaURL)
		}

		return nil, errors.NewProcessError(fmt.Errorf("yt-dlp failed to probe: %w", err), mediaURL, true)
	}

	var data struct {
		Title    string  `json:"title"`
		Duration float64 `json:"duration"`
		Formats  []struct {
			FormatID       string  `json:"format_id"`
			Ext            string  `json:"ext"`
			VCodec         string  `json:"vcodec"`
			ACodec         string  `json:"acodec"`
			TBR            float64 `json:"tbr"`
			ABR            float64 `json:"abr"`
			Filesize       *int64  `json:"filesize"`
			FilesizeApprox *int64  `json:"filesize_approx"`
			URL            string  `json:"url"`
		} `json:"formats"`
	}

	if err := json.Unmarshal(output, &data); err != nil {
		return nil, fmt.Errorf("failed to decode yt-dlp output: %w", err)
	}

	info := &MediaInfo{
		Title:           data.Title,
		DurationSeconds: data.Duration,
	}

	for _, f := range data.Formats {
		id := strings.TrimSpace(f.FormatID)
		if id == "" {
			continue
		}

		hasVideo := f.VCodec != "" && !strings.EqualFold(f.VCodec, "none")
		hasAudio := f.ACodec != "" && !strings.EqualFold(f.ACodec, "none")
		if !hasVideo && !hasAudio {
			continue
		}

		size := int64(0)
		if f.Filesize != nil {
			size = *f.Filesize
		} else if f.FilesizeApprox != nil {
			size = *f.FilesizeApprox
		}

		bitrate := f.TBR
		if bitrate == 0 {
			bitrate = f.ABR
		}

		format := Format{
			ID:        id,
			Container: strings.TrimSpace(f.Ext),
			HasAudio:  hasAudio,
			HasVideo:  hasVideo,
			Bitrate:   bitrate,
			SizeBytes: size,
			directURL: f.URL,
		}

		if hasVideo {
			info.VideoFormats = append(info.VideoFormats, format)
		} else {
			info.AudioFormats = append(info.AudioFormats, format)
		}
	}

	return info, nil
}

// ResolveFormat returns the direct media URL and declared size for one format
// of the source, used by the stream-backed runner.
func ResolveFormat(ctx context.Context, cfg *config.YTDLPConfig, mediaURL, formatID string, kind job.Kind) (string, int64, error) {
	info, err := Probe(ctx, cfg, mediaURL)
	if err != nil {
		return "", 0, err
	}

	candidates := info.VideoFormats
	if kind == job.KindAudio {
		candidates = info.AudioFormats
	}

	if formatID == "" {
		// Highest bitrate of the requested kind.
		var best *Format
		for i := range candidates {
			if best == nil || candidates[i].Bitrate > best.Bitrate {
				best = &candidates[i]
			}
		}

		if best == nil || best.directURL == "" {
			return "", 0, errors.NewUpstreamError(ErrFormatNotFound, mediaURL, false)
		}

		return best.directURL, best.SizeBytes, nil
	}

	for _, list := range [][]Format{info.VideoFormats, info.AudioFormats} {
		for _, f := range list {
			if f.ID == formatID {
				if f.directURL == "" {
					return "", 0, errors.NewUpstreamError(ErrFormatNotFound, mediaURL, false)
				}

				return f.directURL, f.SizeBytes, nil
			}
		}
	}

	return "", 0, errors.NewValidationError(fmt.Errorf("%w: %s", ErrFormatNotFound, formatID), mediaURL)
}

// classifyOutput maps yt-dlp's error output to the error taxonomy so clients
// can tell permanent upstream rejections from transient failures.
func classifyOutput(output, resource string) error {
	lower := strings.ToLower(output)

	permanent := []string{
		"private video",
		"video unavailable",
		"this video is not available",
		"sign in to confirm",
		"account associated",
		"copyright",
		"removed by the uploader",
		"not available in your country",
		"unsupported url",
	}

	for _, marker := range permanent {
		if strings.Contains(lower, marker) {
			return errors.NewUpstreamError(errors.New(firstLine(output)), resource, false)
		}
	}

	transient := []string{
		"timed out",
		"connection reset",
		"temporary failure",
		"503",
		"429",
	}

	for _, marker := range transient {
		if strings.Contains(lower, marker) {
			return errors.NewNetworkError(errors.New(firstLine(output)), resource, true)
		}
	}

	return errors.NewUpstreamError(errors.New(firstLine(output)), resource, false)
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "ERROR:") {
			return strings.TrimSpace(strings.TrimPrefix(trimmed, "ERROR:"))
		}
	}

	if idx := strings.Index(s, "\n"); idx > 0 {
		return strings.TrimSpace(s[:idx])
	}

	return strings.TrimSpace(s)
}
