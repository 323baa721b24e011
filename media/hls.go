package media

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

type Segment struct {
	URI      string
	Duration float64
}

// MediaPlaylist is the subset of an HLS media playlist the pipeline records.
type MediaPlaylist struct {
	TargetDuration int
	Segments       []Segment
	EndList        bool
}

func (p *MediaPlaylist) TotalDuration() float64 {
	var total float64
	for _, s := range p.Segments {
		total += s.Duration
	}
	return total
}

// ParseMediaPlaylist reads #EXTINF entries and the segment URIs that follow them.
func ParseMediaPlaylist(r io.Reader) (*MediaPlaylist, error) {
	scanner := bufio.NewScanner(r)
	p := &MediaPlaylist{}
	first := true
	pending := -1.0

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if first {
			if line != "#EXTM3U" {
				return nil, fmt.Errorf("%w: playlist missing #EXTM3U header", ErrInvalidMedia)
			}
			first = false
			continue
		}
		switch {
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			v, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"))
			if err != nil {
				return nil, fmt.Errorf("%w: bad target duration %q", ErrInvalidMedia, line)
			}
			p.TargetDuration = v
		case strings.HasPrefix(line, "#EXTINF:"):
			v := strings.TrimPrefix(line, "#EXTINF:")
			if i := strings.IndexByte(v, ','); i >= 0 {
				v = v[:i]
			}
			d, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: bad segment duration %q", ErrInvalidMedia, line)
			}
			pending = d
		case line == "#EXT-X-ENDLIST":
			p.EndList = true
		case strings.HasPrefix(line, "#"):
		default:
			if pending < 0 {
				return nil, fmt.Errorf("%w: segment %q without #EXTINF", ErrInvalidMedia, line)
			}
			p.Segments = append(p.Segments, Segment{URI: line, Duration: pending})
			pending = -1
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if first {
		return nil, fmt.Errorf("%w: empty playlist", ErrInvalidMedia)
	}
	return p, nil
}

// Variant is one entry of a master playlist.
type Variant struct {
	Name      string
	Bandwidth int
	Width     int
	Height    int
	URI       string
}

// BuildMasterPlaylist renders the master playlist with the highest bandwidth first.
func BuildMasterPlaylist(variants []Variant) string {
	sorted := append([]Variant(nil), variants...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Bandwidth > sorted[j].Bandwidth
	})

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString("#EXT-X-INDEPENDENT-SEGMENTS\n\n")
	for _, v := range sorted {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d", v.Bandwidth)
		if v.Width > 0 && v.Height > 0 {
			fmt.Fprintf(&b, ",RESOLUTION=%dx%d", v.Width, v.Height)
		}
		fmt.Fprintf(&b, ",NAME=\"%s\"\n", v.Name)
		fmt.Fprintf(&b, "%s\n\n", v.URI)
	}
	return b.String()
}
