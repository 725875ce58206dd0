package fleet

import (
	"net/url"
	"strings"
)

// searchPrefixes maps query search prefixes to the source capability that
// must serve them.
var searchPrefixes = map[string]string{
	"ytsearch":  "youtube",
	"ytmsearch": "youtube",
	"scsearch":  "soundcloud",
	"spsearch":  "spotify",
	"sprec":     "spotify",
	"amsearch":  "applemusic",
	"speak":     "speak",
	"tts":       "gcloud-tts",
}

// hostSources maps URL host fragments to source capabilities.
var hostSources = []struct {
	fragment string
	source   string
}{
	{"youtube.com", "youtube"},
	{"youtu.be", "youtube"},
	{"soundcloud.com", "soundcloud"},
	{"open.spotify.com", "spotify"},
	{"music.apple.com", "applemusic"},
	{"twitch.tv", "twitch"},
	{"bandcamp.com", "bandcamp"},
	{"vimeo.com", "vimeo"},
	{"getyarn.io", "getyarn"},
	{"clyp.it", "clypit"},
	{"reddit.com", "reddit"},
	{"ocremix.org", "ocremix"},
	{"tiktok.com", "tiktok"},
	{"mixcloud.com", "mixcloud"},
	{"soundgasm.net", "soundgasm"},
	{"pornhub.com", "pornhub"},
}

// QuerySource derives the source capability a query requires: the search
// prefix when present, the URL host otherwise, and the default search
// source for plain text.
func QuerySource(query string) string {
	if idx := strings.Index(query, ":"); idx > 0 && !strings.Contains(query[:idx], "/") {
		prefix := strings.ToLower(query[:idx])
		if src, ok := searchPrefixes[prefix]; ok {
			return src
		}
	}
	if u, err := url.Parse(query); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		host := strings.ToLower(u.Host)
		for _, hs := range hostSources {
			if strings.Contains(host, hs.fragment) {
				return hs.source
			}
		}
		// An arbitrary URL is served by the plain HTTP source.
		return "http"
	}
	return "youtube"
}

// SearchQuery builds a prefixed search query for the given source,
// defaulting to a plain youtube search for unknown sources.
func SearchQuery(source, term string) string {
	switch strings.ToLower(source) {
	case "youtube", "yt":
		return "ytsearch:" + term
	case "youtubemusic", "ytm":
		return "ytmsearch:" + term
	case "soundcloud", "sc":
		return "scsearch:" + term
	case "spotify", "sp":
		return "spsearch:" + term
	case "applemusic", "am":
		return "amsearch:" + term
	default:
		return "ytsearch:" + term
	}
}
