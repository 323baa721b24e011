package media

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/devrayat000/video-ingest/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ffmpeg "github.com/u2takey/ffmpeg-go"
)

func TestParseProbe(t *testing.T) {
	out := []byte(`{
  "streams": [
    {"codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080, "bit_rate": "4500000"},
    {"codec_type": "audio", "codec_name": "aac", "bit_rate": "128000"}
  ],
  "format": {"format_name": "mov,mp4,m4a,3gp,3g2,mj2", "duration": "12.480000", "bit_rate": "4700000"}
}`)
	meta, err := parseProbe(out)
	require.NoError(t, err)
	assert.Equal(t, 1920, meta.Width)
	assert.Equal(t, 1080, meta.Height)
	assert.Equal(t, "h264", meta.Codec)
	assert.Equal(t, 4500, meta.BitrateKbps)
	assert.InDelta(t, 12.48, meta.Duration, 1e-9)
	assert.True(t, meta.HasAudio)
}

func TestParseProbeVideoOnly(t *testing.T) {
	out := []byte(`{"streams":[{"codec_type":"video","codec_name":"vp9","width":640,"height":360,"duration":"3.5"}],"format":{"bit_rate":"800000"}}`)
	meta, err := parseProbe(out)
	require.NoError(t, err)
	assert.False(t, meta.HasAudio)
	assert.InDelta(t, 3.5, meta.Duration, 1e-9)
	assert.Equal(t, 800, meta.BitrateKbps)
}

func TestParseProbeInvalid(t *testing.T) {
	cases := map[string]string{
		"not json":    `{`,
		"no video":    `{"streams":[{"codec_type":"audio"}],"format":{"duration":"1"}}`,
		"zero dims":   `{"streams":[{"codec_type":"video"}],"format":{"duration":"1"}}`,
		"no duration": `{"streams":[{"codec_type":"video","width":2,"height":2}],"format":{}}`,
	}
	for name, in := range cases {
		_, err := parseProbe([]byte(in))
		assert.ErrorIs(t, err, ErrInvalidMedia, name)
	}
}

func TestRenditionArgsVideoOnly(t *testing.T) {
	args := renditionArgs(DefaultLadder[0], &Metadata{HasAudio: false})
	_, hasAudioCodec := args["c:a"]
	assert.False(t, hasAudioCodec)
	assert.Contains(t, args, "an")
	assert.Equal(t, "scale=-2:240", args["vf"])

	args = renditionArgs(DefaultLadder[4], &Metadata{HasAudio: true})
	assert.Equal(t, "192k", args["b:a"])
	assert.Equal(t, "5000k", args["maxrate"])
}

func TestMonitorFFmpegProgress(t *testing.T) {
	stderr := strings.NewReader("Input #0, mov\rframe=  10 time=00:00:01.50 bitrate=1k\rframe=  20 time=00:01:02.25 bitrate=1k\nboom: bad input\n")
	var seen []float64
	tail := <-monitorFFmpegProgress(stderr, func(s float64) { seen = append(seen, s) })
	assert.Equal(t, []float64{1.5, 62.25}, seen)
	assert.Contains(t, tail, "boom: bad input")
}

func TestRunKeepsFullStderrTailOnFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	// Enough stderr to fill the pipe buffer before the final error line.
	script := filepath.Join(t.TempDir(), "ffmpeg")
	body := "#!/bin/sh\n" +
		"i=0\nwhile [ $i -lt 2000 ]; do printf 'frame=%d time=00:00:01.00 bitrate=1k\\r' $i >&2; i=$((i+1)); done\n" +
		"echo 'noise line' >&2\n" +
		"echo 'Conversion failed: invalid data found' >&2\n" +
		"exit 1\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	f := NewFFmpeg(script, "", utils.DiscardLogger())
	var updates int
	err := f.run(context.Background(), ffmpeg.Input("in.mp4").Output("out.mp4"), func(float64) { updates++ }, "transcode")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Conversion failed: invalid data found")
	assert.Equal(t, 2000, updates)
}
