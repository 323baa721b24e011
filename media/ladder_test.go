package media

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func names(l Ladder) []string {
	var out []string
	for _, q := range l {
		out = append(out, q.Name)
	}
	return out
}

func TestLadderFor1080pSource(t *testing.T) {
	got := DefaultLadder.For(1080)
	assert.Equal(t, []string{"240p", "360p", "480p", "720p", "1080p"}, names(got))
}

func TestLadderFor360pSource(t *testing.T) {
	got := DefaultLadder.For(360)
	assert.Equal(t, []string{"240p", "360p"}, names(got))
}

func TestLadderNeverUpscales(t *testing.T) {
	for _, q := range DefaultLadder.For(480) {
		assert.LessOrEqual(t, q.Height, 480)
	}
	assert.Empty(t, DefaultLadder.For(144))
}

func TestScaledWidth(t *testing.T) {
	assert.Equal(t, 1280, ScaledWidth(1920, 1080, 720))
	assert.Equal(t, 426, ScaledWidth(640, 360, 240))
	assert.Equal(t, 202, ScaledWidth(1080, 1920, 360))
	assert.Equal(t, 362, ScaledWidth(1081, 1080, 361))
	assert.Equal(t, 0, ScaledWidth(0, 0, 240))
}

func TestAudioBitrate(t *testing.T) {
	assert.Equal(t, 192, AudioBitrate(1080))
	assert.Equal(t, 160, AudioBitrate(720))
	assert.Equal(t, 128, AudioBitrate(480))
	assert.Equal(t, 96, AudioBitrate(360))
}

func TestBandwidth(t *testing.T) {
	q := Quality{Name: "720p", Height: 720, BitrateKbps: 2800}
	assert.Equal(t, 2960000, q.Bandwidth(true))
	assert.Equal(t, 2800000, q.Bandwidth(false))
}

func TestLoadLadder(t *testing.T) {
	def, err := LoadLadder("")
	require.NoError(t, err)
	assert.Equal(t, DefaultLadder, def)

	path := filepath.Join(t.TempDir(), "ladder.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
qualities:
  - {name: 720p, width: 1280, height: 720, bitrate_kbps: 3000}
  - {name: 360p, width: 640, height: 360, bitrate_kbps: 700}
`), 0o644))
	l, err := LoadLadder(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"360p", "720p"}, names(l))

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("qualities: []\n"), 0o644))
	_, err = LoadLadder(bad)
	assert.Error(t, err)
}
