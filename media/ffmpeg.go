// Package media wraps ffprobe and ffmpeg and holds the rendition ladder and HLS playlist helpers.
package media

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

var ErrInvalidMedia = errors.New("invalid media")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Metadata struct {
	Duration    float64
	Width       int
	Height      int
	Codec       string
	BitrateKbps int
	HasAudio    bool
	FormatName  string
}

// ProgressFunc receives the encoded media time in seconds.
type ProgressFunc func(seconds float64)

// Encoder is the media toolchain used by the stage handlers.
type Encoder interface {
	Probe(ctx context.Context, src string) (*Metadata, error)
	Transcode(ctx context.Context, src, dst string, q Quality, meta *Metadata, progress ProgressFunc) error
	ExtractFrame(ctx context.Context, src, dst string, at float64) error
	// SegmentHLS writes playlist.m3u8 and its segments into outDir and returns the playlist path.
	SegmentHLS(ctx context.Context, src, outDir string, q Quality, meta *Metadata, segmentSeconds int, progress ProgressFunc) (string, error)
}

// Codec policy shared by every rendition.
const (
	videoCodec = "libx264"
	preset     = "veryfast"
	crf        = 23
)

type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	log         logrus.FieldLogger
}

func NewFFmpeg(ffmpegPath, ffprobePath string, log logrus.FieldLogger) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpeg{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath, log: log}
}

type probeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		BitRate   string `json:"bit_rate"`
		Duration  string `json:"duration"`
	} `json:"streams"`
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		BitRate    string `json:"bit_rate"`
	} `json:"format"`
}

// Probe uses ffprobe to extract container and stream metadata.
func (f *FFmpeg) Probe(ctx context.Context, src string) (*Metadata, error) {
	cmd := exec.CommandContext(ctx, f.ffprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		src,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: ffprobe: %v: %s", ErrInvalidMedia, err, strings.TrimSpace(stderr.String()))
	}
	return parseProbe(out)
}

func parseProbe(out []byte) (*Metadata, error) {
	var p probeOutput
	if err := json.Unmarshal(out, &p); err != nil {
		return nil, fmt.Errorf("%w: decode ffprobe output: %v", ErrInvalidMedia, err)
	}

	meta := &Metadata{FormatName: p.Format.FormatName}
	meta.Duration, _ = strconv.ParseFloat(p.Format.Duration, 64)
	videoFound := false
	for _, s := range p.Streams {
		switch s.CodecType {
		case "video":
			if videoFound {
				continue
			}
			videoFound = true
			meta.Width, meta.Height = s.Width, s.Height
			meta.Codec = s.CodecName
			if br, err := strconv.Atoi(s.BitRate); err == nil {
				meta.BitrateKbps = br / 1000
			}
			if meta.Duration == 0 {
				meta.Duration, _ = strconv.ParseFloat(s.Duration, 64)
			}
		case "audio":
			meta.HasAudio = true
		}
	}
	if meta.BitrateKbps == 0 {
		if br, err := strconv.Atoi(p.Format.BitRate); err == nil {
			meta.BitrateKbps = br / 1000
		}
	}

	if !videoFound {
		return nil, fmt.Errorf("%w: no video stream", ErrInvalidMedia)
	}
	if meta.Width == 0 || meta.Height == 0 {
		return nil, fmt.Errorf("%w: failed to parse video dimensions", ErrInvalidMedia)
	}
	if meta.Duration <= 0 {
		return nil, fmt.Errorf("%w: unknown duration", ErrInvalidMedia)
	}
	return meta, nil
}

func renditionArgs(q Quality, meta *Metadata) ffmpeg.KwArgs {
	args := ffmpeg.KwArgs{
		"vf":      fmt.Sprintf("scale=-2:%d", q.Height),
		"c:v":     videoCodec,
		"preset":  preset,
		"crf":     strconv.Itoa(crf),
		"maxrate": fmt.Sprintf("%dk", q.BitrateKbps),
		"bufsize": fmt.Sprintf("%dk", q.BitrateKbps*2),
		"pix_fmt": "yuv420p",
	}
	if meta != nil && meta.HasAudio {
		args["c:a"] = "aac"
		args["b:a"] = fmt.Sprintf("%dk", AudioBitrate(q.Height))
	} else {
		args["an"] = ""
	}
	return args
}

// Transcode renders src into an mp4 at the given quality.
func (f *FFmpeg) Transcode(ctx context.Context, src, dst string, q Quality, meta *Metadata, progress ProgressFunc) error {
	out := renditionArgs(q, meta)
	out["movflags"] = "+faststart"
	stream := ffmpeg.Input(src, ffmpeg.KwArgs{"fflags": "+discardcorrupt"}).
		Output(dst, out).
		OverWriteOutput()
	return f.run(ctx, stream, progress, "transcode "+q.Name)
}

// ExtractFrame writes a single frame at offset seconds to dst.
func (f *FFmpeg) ExtractFrame(ctx context.Context, src, dst string, at float64) error {
	stream := ffmpeg.Input(src, ffmpeg.KwArgs{"ss": strconv.FormatFloat(at, 'f', 3, 64)}).
		Output(dst, ffmpeg.KwArgs{"frames:v": "1"}).
		OverWriteOutput()
	return f.run(ctx, stream, nil, "frame")
}

func (f *FFmpeg) SegmentHLS(ctx context.Context, src, outDir string, q Quality, meta *Metadata, segmentSeconds int, progress ProgressFunc) (string, error) {
	playlist := filepath.Join(outDir, "playlist.m3u8")
	out := renditionArgs(q, meta)
	out["f"] = "hls"
	out["hls_time"] = strconv.Itoa(segmentSeconds)
	out["hls_playlist_type"] = "vod"
	out["hls_segment_type"] = "mpegts"
	out["hls_segment_filename"] = filepath.Join(outDir, "segment_%03d.ts")
	out["hls_flags"] = "independent_segments"
	out["start_number"] = "0"
	// Keyframes aligned to segment boundaries so every rendition cuts at the same points.
	out["force_key_frames"] = fmt.Sprintf("expr:gte(t,n_forced*%d)", segmentSeconds)

	stream := ffmpeg.Input(src, ffmpeg.KwArgs{"fflags": "+discardcorrupt"}).
		Output(playlist, out).
		OverWriteOutput()
	if err := f.run(ctx, stream, progress, "hls "+q.Name); err != nil {
		return "", err
	}
	return playlist, nil
}

func (f *FFmpeg) run(ctx context.Context, stream *ffmpeg.Stream, progress ProgressFunc, what string) error {
	args := stream.GetArgs()
	cmd := exec.CommandContext(ctx, f.ffmpegPath, args...)
	f.log.WithField("op", what).Debugf("running ffmpeg %s", strings.Join(args, " "))

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe error: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	// Wait closes the pipe, so stderr must be drained first.
	tail := <-monitorFFmpegProgress(stderr, progress)
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffmpeg %s: %w: %s", what, err, tail)
	}
	return nil
}

var progressRegex = regexp.MustCompile(`time=(\d+):(\d+):(\d+(?:\.\d+)?)`)

// monitorFFmpegProgress drains stderr, reporting encode position, and yields
// the last few lines once the stream closes.
func monitorFFmpegProgress(stderr io.Reader, progress ProgressFunc) <-chan string {
	done := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(stderr)
		scanner.Split(scanCRLF)
		var last []string
		for scanner.Scan() {
			line := scanner.Text()
			if m := progressRegex.FindStringSubmatch(line); m != nil {
				if progress != nil {
					progress(hmsToSeconds(m[1], m[2], m[3]))
				}
				continue
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			last = append(last, line)
			if len(last) > 5 {
				last = last[1:]
			}
		}
		done <- strings.Join(last, "; ")
	}()
	return done
}

func hmsToSeconds(h, m, s string) float64 {
	hh, _ := strconv.Atoi(h)
	mm, _ := strconv.Atoi(m)
	ss, _ := strconv.ParseFloat(s, 64)
	return float64(hh*3600+mm*60) + ss
}

// scanCRLF splits on \n or \r; ffmpeg rewrites its status line with carriage returns.
func scanCRLF(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var _ Encoder = (*FFmpeg)(nil)
