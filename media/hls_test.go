package media

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const vodPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-PLAYLIST-TYPE:VOD
#EXT-X-INDEPENDENT-SEGMENTS
#EXTINF:6.006000,
segment_000.ts
#EXTINF:6.006000,
segment_001.ts
#EXTINF:2.502500,
segment_002.ts
#EXT-X-ENDLIST
`

func TestParseMediaPlaylist(t *testing.T) {
	p, err := ParseMediaPlaylist(strings.NewReader(vodPlaylist))
	require.NoError(t, err)
	assert.Equal(t, 6, p.TargetDuration)
	assert.True(t, p.EndList)
	require.Len(t, p.Segments, 3)
	assert.Equal(t, "segment_002.ts", p.Segments[2].URI)
	assert.InDelta(t, 14.5145, p.TotalDuration(), 1e-6)
}

func TestParseMediaPlaylistRejectsGarbage(t *testing.T) {
	_, err := ParseMediaPlaylist(strings.NewReader("not a playlist\n"))
	assert.ErrorIs(t, err, ErrInvalidMedia)

	_, err = ParseMediaPlaylist(strings.NewReader("#EXTM3U\nsegment_000.ts\n"))
	assert.ErrorIs(t, err, ErrInvalidMedia)

	_, err = ParseMediaPlaylist(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrInvalidMedia)
}

func TestBuildMasterPlaylistSortsByBandwidth(t *testing.T) {
	out := BuildMasterPlaylist([]Variant{
		{Name: "240p", Bandwidth: 496000, Width: 426, Height: 240, URI: "240p/playlist.m3u8"},
		{Name: "720p", Bandwidth: 2960000, Width: 1280, Height: 720, URI: "720p/playlist.m3u8"},
		{Name: "360p", Bandwidth: 896000, Width: 640, Height: 360, URI: "360p/playlist.m3u8"},
	})

	assert.True(t, strings.HasPrefix(out, "#EXTM3U\n"))
	i720 := strings.Index(out, "720p/playlist.m3u8")
	i360 := strings.Index(out, "360p/playlist.m3u8")
	i240 := strings.Index(out, "240p/playlist.m3u8")
	assert.True(t, i720 < i360 && i360 < i240)
	assert.Contains(t, out, `#EXT-X-STREAM-INF:BANDWIDTH=2960000,RESOLUTION=1280x720,NAME="720p"`)
}
