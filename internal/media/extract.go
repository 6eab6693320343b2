package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/dhowden/tag"

	"github.com/tonearm/tonearm/internal/log"
)

// TagExtractor is the default Extractor. Tags come from the embedded
// metadata (dhowden/tag), the audio duration from an optional ffprobe
// binary, and namespace tags are merged in from the sidecar file when
// one exists.
type TagExtractor struct {
	Namespace  string
	VersionKey string
	Blocklist  []string
	FFProbeBin string // empty disables duration probing
}

// Extract reads path and returns normalized metadata. A missing or
// unparsable tag block is an error; a failed duration probe is not.
func (e *TagExtractor) Extract(ctx context.Context, path string) (*Metadata, error) {
	f, err := os.Open(path) // #nosec G304 -- scanner-discovered library path
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	m, err := tag.ReadFrom(f)
	if err != nil {
		return nil, fmt.Errorf("read tags %s: %w", path, err)
	}

	tags := Normalize(m.Raw(), e.Namespace, e.VersionKey, e.Blocklist)

	// The accessor API catches frames Raw() exposes under exotic keys.
	ensure(tags, "title", m.Title())
	ensure(tags, "artist", m.Artist())
	ensure(tags, "album", m.Album())
	ensure(tags, "album_artist", m.AlbumArtist())
	ensure(tags, "composer", m.Composer())
	ensure(tags, "genre", m.Genre())
	if y := m.Year(); y > 0 {
		ensure(tags, "year", strconv.Itoa(y))
	}
	if n, _ := m.Track(); n > 0 {
		ensure(tags, "tracknumber", strconv.Itoa(n))
	}
	if n, _ := m.Disc(); n > 0 {
		ensure(tags, "discnumber", strconv.Itoa(n))
	}

	e.mergeSidecar(path, tags)

	md := &Metadata{
		Title:  First(tags, "title"),
		Artist: First(tags, "artist"),
		Album:  First(tags, "album"),
		Format: string(m.Format()),
		Tags:   tags,
	}

	if e.FFProbeBin != "" {
		dur, err := probeDuration(ctx, e.FFProbeBin, path)
		if err != nil {
			log.WithComponent("media").Debug().Err(err).Str(log.FieldPath, path).
				Msg("duration probe failed")
		} else {
			md.DurationSec = dur
		}
	}

	return md, nil
}

// mergeSidecar folds the namespace tags from the sidecar document into
// tags. Sidecar values win over embedded ones for namespace keys.
func (e *TagExtractor) mergeSidecar(path string, tags map[string][]string) {
	side, err := readSidecar(SidecarPath(path, e.Namespace))
	if err != nil {
		return
	}
	ns := strings.ToLower(e.Namespace)
	vk := strings.ToLower(e.VersionKey)
	for k, vs := range side {
		lk := strings.ToLower(k)
		if lk != vk && !strings.HasPrefix(lk, ns+":") {
			continue
		}
		if len(vs) > 0 {
			tags[lk] = vs
		}
	}
}

func ensure(tags map[string][]string, key, val string) {
	val = strings.TrimSpace(val)
	if val == "" {
		return
	}
	if len(tags[key]) == 0 {
		tags[key] = []string{val}
	}
}

type ffprobeFormat struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func probeDuration(ctx context.Context, bin, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, bin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "json",
		path)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	var out ffprobeFormat
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return 0, fmt.Errorf("parse ffprobe output: %w", err)
	}
	dur, err := strconv.ParseFloat(out.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", out.Format.Duration, err)
	}
	return dur, nil
}
