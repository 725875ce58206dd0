package fleet

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestQuerySource(t *testing.T) {
	tests := []struct {
		query string
		want  string
	}{
		{"ytsearch:never gonna give you up", "youtube"},
		{"YTSearch:case insensitive prefix", "youtube"},
		{"ytmsearch:some song", "youtube"},
		{"scsearch:lofi beats", "soundcloud"},
		{"spsearch:an album", "spotify"},
		{"sprec:seed-track", "spotify"},
		{"amsearch:a single", "applemusic"},
		{"speak:hello there", "speak"},
		{"tts:hello there", "gcloud-tts"},

		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", "youtube"},
		{"https://youtu.be/dQw4w9WgXcQ", "youtube"},
		{"https://soundcloud.com/artist/track", "soundcloud"},
		{"https://open.spotify.com/track/abc123", "spotify"},
		{"https://music.apple.com/us/album/x/1", "applemusic"},
		{"https://www.twitch.tv/somechannel", "twitch"},
		{"https://artist.bandcamp.com/track/song", "bandcamp"},
		{"https://vimeo.com/12345", "vimeo"},
		{"https://www.reddit.com/r/videos/abc", "reddit"},
		{"https://www.tiktok.com/@user/video/1", "tiktok"},

		// Arbitrary URLs stream over the plain HTTP source.
		{"https://example.com/audio.mp3", "http"},
		{"http://cdn.example.org/stream", "http"},

		// Plain text falls back to the default search source.
		{"never gonna give you up", "youtube"},
		{"", "youtube"},
		// A colon after a slash is part of the URL, not a prefix.
		{"https://example.com/a:b", "http"},
		// Unknown prefixes are treated as plain text.
		{"dzsearch:some song", "youtube"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			assert.Equal(t, tt.want, QuerySource(tt.query))
		})
	}
}

func TestSearchQuery(t *testing.T) {
	assert.Equal(t, "ytsearch:hello", SearchQuery("youtube", "hello"))
	assert.Equal(t, "ytsearch:hello", SearchQuery("yt", "hello"))
	assert.Equal(t, "ytmsearch:hello", SearchQuery("YouTubeMusic", "hello"))
	assert.Equal(t, "scsearch:hello", SearchQuery("soundcloud", "hello"))
	assert.Equal(t, "spsearch:hello", SearchQuery("sp", "hello"))
	assert.Equal(t, "amsearch:hello", SearchQuery("applemusic", "hello"))
	assert.Equal(t, "ytsearch:hello", SearchQuery("unknown", "hello"))
}

func TestSearchQueryRoundtrip(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("built search queries resolve to a known source", prop.ForAll(
		func(source, term string) bool {
			q := SearchQuery(source, term)
			src := QuerySource(q)
			_, known := searchPrefixes[q[:len(q)-len(term)-1]]
			return known && src != ""
		},
		gen.OneConstOf("youtube", "soundcloud", "spotify", "applemusic", "unknown"),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
