// SPDX-License-Identifier: MIT

package media

import (
	"fmt"
	"strings"

	"github.com/dhowden/tag"
)

// CanonicalKeys is the closed set of first-class tag keys. Everything
// outside this set and outside the configured namespace is discarded
// during normalization, cover art and fingerprint blobs included.
var CanonicalKeys = map[string]struct{}{
	"title":        {},
	"artist":       {},
	"artists":      {},
	"album":        {},
	"album_artist": {},
	"tracknumber":  {},
	"discnumber":   {},
	"date":         {},
	"year":         {},
	"genre":        {},
	"composer":     {},
	"lyricist":     {},
	"label":        {},
	"publisher":    {},
	"bpm":          {},
}

// rawToCanonical maps lowercased ID3 frames, MP4 atoms and Vorbis
// comment names onto the canonical key set.
var rawToCanonical = map[string]string{
	// ID3v2
	"tit2": "title",
	"tpe1": "artist",
	"tpe2": "album_artist",
	"talb": "album",
	"trck": "tracknumber",
	"tpos": "discnumber",
	"tdrc": "date",
	"tdat": "date",
	"tyer": "year",
	"tcon": "genre",
	"tcom": "composer",
	"text": "lyricist",
	"tpub": "publisher",
	"tbpm": "bpm",

	// Vorbis comments (FLAC, Ogg, Opus)
	"title":        "title",
	"artist":       "artist",
	"artists":      "artists",
	"album":        "album",
	"albumartist":  "album_artist",
	"album artist": "album_artist",
	"album_artist": "album_artist",
	"tracknumber":  "tracknumber",
	"track":        "tracknumber",
	"discnumber":   "discnumber",
	"disc":         "discnumber",
	"date":         "date",
	"year":         "year",
	"genre":        "genre",
	"composer":     "composer",
	"lyricist":     "lyricist",
	"label":        "label",
	"organization": "label",
	"publisher":    "publisher",
	"bpm":          "bpm",

	// MP4 atoms
	"\xa9nam": "title",
	"\xa9art": "artist",
	"aart":    "album_artist",
	"\xa9alb": "album",
	"trkn":    "tracknumber",
	"disk":    "discnumber",
	"\xa9day": "date",
	"\xa9gen": "genre",
	"gnre":    "genre",
	"\xa9wrt": "composer",
	"tmpo":    "bpm",
}

// numberPairKeys hold "n/total" or (n, total) values; only n is kept.
var numberPairKeys = map[string]struct{}{
	"tracknumber": {},
	"discnumber":  {},
}

// Normalize maps a raw tag map (as returned by dhowden/tag Raw()) into
// the canonical tag set plus the <namespace>:* bucket. Scalar values
// are wrapped in single-element slices. MP4 freeform atoms listed in
// blocklist are dropped regardless of their name.
func Normalize(raw map[string]interface{}, namespace string, versionKey string, blocklist []string) map[string][]string {
	out := make(map[string][]string)
	ns := lowerASCII(namespace)
	vk := lowerASCII(versionKey)

	blocked := make(map[string]struct{}, len(blocklist))
	for _, b := range blocklist {
		blocked[lowerASCII(b)] = struct{}{}
	}

	for key, val := range raw {
		vals := stringify(val)
		if len(vals) == 0 {
			continue
		}

		lk := lowerASCII(key)

		// MP4 freeform: ----:mean:name. Only the mean segment is
		// stripped; the name may itself contain colons, so namespaced
		// keys like ----:com.apple.iTunes:nom:mood keep their prefix.
		if strings.HasPrefix(lk, "----:") {
			qualified := strings.TrimPrefix(lk, "----:")
			if _, drop := blocked[qualified]; drop {
				continue
			}
			name := qualified
			if i := strings.Index(qualified, ":"); i >= 0 {
				name = qualified[i+1:]
			}
			lk = name
		}

		// Namespace bucket, including the version tag.
		switch {
		case lk == vk:
			appendVals(out, vk, vals)
			continue
		case strings.HasPrefix(lk, ns+":"):
			appendVals(out, lk, vals)
			continue
		}

		canonical, ok := rawToCanonical[lk]
		if !ok {
			continue
		}
		if _, pair := numberPairKeys[canonical]; pair {
			vals = firstOfPair(vals)
		}
		appendVals(out, canonical, vals)
	}

	return out
}

// lowerASCII folds A-Z byte-wise. MP4 atom names carry the raw \xa9
// byte, which is not valid UTF-8; strings.ToLower would rewrite it to
// the replacement rune and no atom would match.
func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}

func appendVals(out map[string][]string, key string, vals []string) {
	for _, v := range vals {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if contains(out[key], v) {
			continue
		}
		out[key] = append(out[key], v)
	}
}

func contains(vs []string, v string) bool {
	for _, x := range vs {
		if x == v {
			return true
		}
	}
	return false
}

// stringify converts raw tag values to strings, splitting ID3v2.4
// null-separated multi-values. Pictures and other binary payloads are
// dropped.
func stringify(val interface{}) []string {
	switch v := val.(type) {
	case string:
		return splitMulti(v)
	case []string:
		out := make([]string, 0, len(v))
		for _, s := range v {
			out = append(out, splitMulti(s)...)
		}
		return out
	case int:
		return []string{fmt.Sprintf("%d", v)}
	case int64:
		return []string{fmt.Sprintf("%d", v)}
	case uint, uint32, uint64:
		return []string{fmt.Sprintf("%d", v)}
	case bool:
		if v {
			return []string{"1"}
		}
		return []string{"0"}
	case *tag.Comm:
		if v == nil {
			return nil
		}
		return splitMulti(v.Text)
	case tag.Comm:
		return splitMulti(v.Text)
	case *tag.Picture, tag.Picture, []byte:
		return nil
	default:
		return nil
	}
}

func splitMulti(s string) []string {
	if s == "" {
		return nil
	}
	if !strings.ContainsRune(s, 0) {
		return []string{s}
	}
	parts := strings.Split(s, "\x00")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// firstOfPair reduces "3/12" track or disc values to "3".
func firstOfPair(vals []string) []string {
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if i := strings.Index(v, "/"); i >= 0 {
			v = v[:i]
		}
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
