package media

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Quality is one rung of the rendition ladder.
type Quality struct {
	Name        string `yaml:"name"`
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
	BitrateKbps int    `yaml:"bitrate_kbps"`
}

// Bandwidth is the peak bits per second advertised in the master playlist.
func (q Quality) Bandwidth(hasAudio bool) int {
	bw := q.BitrateKbps * 1000
	if hasAudio {
		bw += AudioBitrate(q.Height) * 1000
	}
	return bw
}

type Ladder []Quality

var DefaultLadder = Ladder{
	{Name: "240p", Width: 426, Height: 240, BitrateKbps: 400},
	{Name: "360p", Width: 640, Height: 360, BitrateKbps: 800},
	{Name: "480p", Width: 854, Height: 480, BitrateKbps: 1400},
	{Name: "720p", Width: 1280, Height: 720, BitrateKbps: 2800},
	{Name: "1080p", Width: 1920, Height: 1080, BitrateKbps: 5000},
}

// For returns the rungs that do not exceed sourceHeight, lowest first.
func (l Ladder) For(sourceHeight int) Ladder {
	var out Ladder
	for _, q := range l {
		if q.Height <= sourceHeight {
			out = append(out, q)
		}
	}
	return out
}

// LoadLadder reads a YAML list of qualities. An empty path yields DefaultLadder.
func LoadLadder(path string) (Ladder, error) {
	if path == "" {
		return DefaultLadder, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ladder file: %w", err)
	}
	var doc struct {
		Qualities Ladder `yaml:"qualities"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse ladder file: %w", err)
	}
	if len(doc.Qualities) == 0 {
		return nil, fmt.Errorf("ladder file %s has no qualities", path)
	}
	for _, q := range doc.Qualities {
		if q.Name == "" || q.Height <= 0 || q.BitrateKbps <= 0 {
			return nil, fmt.Errorf("ladder file %s: invalid quality %+v", path, q)
		}
	}
	sort.SliceStable(doc.Qualities, func(i, j int) bool {
		return doc.Qualities[i].Height < doc.Qualities[j].Height
	})
	return doc.Qualities, nil
}

// ScaledWidth matches ffmpeg's scale=-2:height, the aspect-preserving width rounded to the nearest even number.
func ScaledWidth(srcWidth, srcHeight, height int) int {
	if srcWidth <= 0 || srcHeight <= 0 {
		return 0
	}
	den := srcHeight * 2
	return (height*srcWidth + den/2) / den * 2
}

// AudioBitrate returns the AAC bitrate in kbps for a rendition height.
// Higher resolutions get better audio.
func AudioBitrate(height int) int {
	switch {
	case height >= 1080:
		return 192
	case height >= 720:
		return 160
	case height >= 480:
		return 128
	default:
		return 96
	}
}
