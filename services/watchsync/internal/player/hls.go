package player

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"
)

var ErrNotPlaylist = errors.New("not an m3u8 playlist")

const maxManifestBytes = 1 << 20

// Variant is one #EXT-X-STREAM-INF entry of a master playlist.
type Variant struct {
	URI       string
	Bandwidth int
	Width     int
	Height    int
}

// Manifest is the subset of an HLS playlist the player needs.
type Manifest struct {
	Master   bool
	Variants []Variant
	// Duration is the sum of #EXTINF for a finished media playlist; 0 when
	// live or unknown.
	Duration float64
	Live     bool
}

// ParseManifest reads a master or media playlist. Relative URIs are resolved
// against baseURL.
func ParseManifest(body, baseURL string) (Manifest, error) {
	var m Manifest
	sc := bufio.NewScanner(strings.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), maxManifestBytes)

	first := true
	ended := false
	var pending *Variant
	var total float64
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if first {
			if line != "#EXTM3U" {
				return Manifest{}, ErrNotPlaylist
			}
			first = false
			continue
		}
		switch {
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			v := parseStreamInf(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))
			pending = &v
			m.Master = true
		case strings.HasPrefix(line, "#EXTINF:"):
			d := strings.TrimPrefix(line, "#EXTINF:")
			if i := strings.IndexByte(d, ','); i >= 0 {
				d = d[:i]
			}
			if f, err := strconv.ParseFloat(strings.TrimSpace(d), 64); err == nil && f > 0 {
				total += f
			}
		case line == "#EXT-X-ENDLIST":
			ended = true
		case strings.HasPrefix(line, "#"):
		default:
			if pending != nil {
				pending.URI = resolveURL(baseURL, line)
				m.Variants = append(m.Variants, *pending)
				pending = nil
			}
		}
	}
	if err := sc.Err(); err != nil {
		return Manifest{}, err
	}
	if first {
		return Manifest{}, ErrNotPlaylist
	}
	if !m.Master {
		m.Live = !ended
		if ended {
			m.Duration = total
		}
	}
	return m, nil
}

// QualityLevels orders the variants by bandwidth; the index is the position
// in that order.
func (m Manifest) QualityLevels() []QualityLevel {
	if len(m.Variants) == 0 {
		return nil
	}
	vs := append([]Variant(nil), m.Variants...)
	sort.SliceStable(vs, func(i, j int) bool { return vs[i].Bandwidth < vs[j].Bandwidth })
	out := make([]QualityLevel, len(vs))
	for i, v := range vs {
		out[i] = QualityLevel{Index: i, Width: v.Width, Height: v.Height, Bandwidth: v.Bandwidth, URI: v.URI}
	}
	return out
}

func parseStreamInf(attrs string) Variant {
	var v Variant
	for _, kv := range splitAttributes(attrs) {
		k, val, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(k) {
		case "BANDWIDTH":
			v.Bandwidth, _ = strconv.Atoi(val)
		case "RESOLUTION":
			w, h, ok := strings.Cut(val, "x")
			if ok {
				v.Width, _ = strconv.Atoi(w)
				v.Height, _ = strconv.Atoi(h)
			}
		}
	}
	return v
}

// splitAttributes splits on commas outside quoted strings (CODECS="a,b").
func splitAttributes(s string) []string {
	var out []string
	start, quoted := 0, false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			quoted = !quoted
		case ',':
			if !quoted {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	return append(out, s[start:])
}

func resolveURL(baseURL, ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return ref
	}
	if strings.HasPrefix(ref, "/") {
		base.Path = ref
		base.RawQuery = ""
		return base.String()
	}
	base.Path = path.Join(path.Dir(base.Path), ref)
	base.RawQuery = ""
	return base.String()
}

// ManifestFetcher loads playlists over HTTP.
type ManifestFetcher struct {
	Client  *http.Client
	Timeout time.Duration
}

func NewManifestFetcher(timeout time.Duration) *ManifestFetcher {
	return &ManifestFetcher{Client: &http.Client{Timeout: timeout}, Timeout: timeout}
}

// Fetch loads rawURL. For a master playlist the lowest rendition is fetched
// too, to learn the duration; failing that the duration stays unknown.
func (f *ManifestFetcher) Fetch(ctx context.Context, rawURL string) (Manifest, error) {
	m, err := f.get(ctx, rawURL)
	if err != nil {
		return Manifest{}, err
	}
	if m.Master {
		if levels := m.QualityLevels(); len(levels) > 0 {
			if media, err := f.get(ctx, levels[0].URI); err == nil {
				m.Duration = media.Duration
				m.Live = media.Live
			}
		}
	}
	return m, nil
}

func (f *ManifestFetcher) get(ctx context.Context, rawURL string) (Manifest, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Manifest{}, fmt.Errorf("manifest url %q: unsupported scheme", rawURL)
	}
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Manifest{}, err
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Manifest{}, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Manifest{}, fmt.Errorf("fetch manifest: bad status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(string(body), rawURL)
}
