// SPDX-License-Identifier: MIT

package media

import (
	"reflect"
	"testing"

	"github.com/dhowden/tag"
)

func TestExtensionsMatch(t *testing.T) {
	exts := NewExtensions([]string{".mp3", "FLAC", " .ogg "})

	tests := []struct {
		path string
		want bool
	}{
		{"/music/a.mp3", true},
		{"/music/b.MP3", true},
		{"/music/c.flac", true},
		{"/music/d.ogg", true},
		{"/music/e.wav", false},
		{"/music/f.mp3.json", false},
		{"/music/noext", false},
	}
	for _, tc := range tests {
		if got := exts.Match(tc.path); got != tc.want {
			t.Errorf("Match(%q) = %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestNormalizeID3(t *testing.T) {
	raw := map[string]interface{}{
		"TIT2": "Song Title",
		"TPE1": "Artist A\x00Artist B",
		"TALB": "The Album",
		"TRCK": "3/12",
		"TPOS": "1/2",
		"TYER": "1999",
		"TCON": "Jazz",
		"TPUB": "Some Label",
		"APIC": tag.Picture{Type: "Front cover", Data: []byte{0xff}},
		"PRIV": []byte{0x01, 0x02},
		"TSSE": "LAME encoder", // not canonical, dropped
	}

	got := Normalize(raw, "nom", "nom_version", nil)

	want := map[string][]string{
		"title":       {"Song Title"},
		"artist":      {"Artist A", "Artist B"},
		"album":       {"The Album"},
		"tracknumber": {"3"},
		"discnumber":  {"1"},
		"year":        {"1999"},
		"genre":       {"Jazz"},
		"publisher":   {"Some Label"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Normalize = %#v, want %#v", got, want)
	}
}

func TestNormalizeVorbisMultiValue(t *testing.T) {
	raw := map[string]interface{}{
		"ARTISTS":     []string{"First", "Second"},
		"albumartist": "AA",
		"label":       "Indie",
	}

	got := Normalize(raw, "nom", "nom_version", nil)

	if !reflect.DeepEqual(got["artists"], []string{"First", "Second"}) {
		t.Errorf("artists = %v", got["artists"])
	}
	if First(got, "album_artist") != "AA" {
		t.Errorf("album_artist = %v", got["album_artist"])
	}
	if First(got, "label") != "Indie" {
		t.Errorf("label = %v", got["label"])
	}
}

func TestNormalizeMP4Freeform(t *testing.T) {
	blocklist := []string{
		"com.apple.iTunes:Acoustid Id",
		"com.apple.iTunes:iTunNORM",
	}
	raw := map[string]interface{}{
		"\xa9nam": "MP4 Title",
		"trkn":    "7",
		"----:com.apple.iTunes:Acoustid Id": "abc-def",
		"----:com.apple.iTunes:iTunNORM":    "00000123",
		"----:com.apple.iTunes:LABEL":       "Freeform Label",
		"----:com.apple.iTunes:nom:mood":    "calm",
	}

	got := Normalize(raw, "nom", "nom_version", blocklist)

	if _, ok := got["acoustid id"]; ok {
		t.Error("blocklisted freeform atom survived")
	}
	if First(got, "title") != "MP4 Title" {
		t.Errorf("title = %v", got["title"])
	}
	if First(got, "label") != "Freeform Label" {
		t.Errorf("label = %v", got["label"])
	}
	if First(got, "nom:mood") != "calm" {
		t.Errorf("nom:mood = %v, want namespace bucket kept", got["nom:mood"])
	}
}

func TestNormalizeNamespaceAndVersion(t *testing.T) {
	raw := map[string]interface{}{
		"nom:genre":   "electronic\x00ambient",
		"NOM:energy":  "high",
		"nom_version": "3",
		"custom:tag":  "dropped",
	}

	got := Normalize(raw, "nom", "nom_version", nil)

	if !reflect.DeepEqual(got["nom:genre"], []string{"electronic", "ambient"}) {
		t.Errorf("nom:genre = %v", got["nom:genre"])
	}
	if First(got, "nom:energy") != "high" {
		t.Errorf("nom:energy = %v", got["nom:energy"])
	}
	if First(got, "nom_version") != "3" {
		t.Errorf("nom_version = %v", got["nom_version"])
	}
	if _, ok := got["custom:tag"]; ok {
		t.Error("foreign namespaced tag survived")
	}
}

func TestNormalizeScalarWrapping(t *testing.T) {
	raw := map[string]interface{}{
		"tmpo": 128,
	}
	got := Normalize(raw, "nom", "nom_version", nil)
	if !reflect.DeepEqual(got["bpm"], []string{"128"}) {
		t.Errorf("bpm = %#v, want single-element slice", got["bpm"])
	}
}
