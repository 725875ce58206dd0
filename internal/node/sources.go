package node

// SupportedSources is every source name the fleet knows how to route to.
var SupportedSources = map[string]struct{}{
	"youtube":      {},
	"youtubemusic": {},
	"soundcloud":   {},
	"twitch":       {},
	"bandcamp":     {},
	"vimeo":        {},
	"http":         {},
	"local":        {},
	"spotify":      {},
	"applemusic":   {},
	"getyarn":      {},
	"clypit":       {},
	"speak":        {},
	"pornhub":      {},
	"reddit":       {},
	"ocremix":      {},
	"tiktok":       {},
	"mixcloud":     {},
	"soundgasm":    {},
	"gcloud-tts":   {},
	"sponsorblock": {},
}

// baselineSources is assumed when a node reports nothing. The node protocol
// does not yet expose authoritative per-source flags, so this is a
// best-effort approximation rather than ground truth.
var baselineSources = []string{"youtube", "soundcloud", "twitch", "bandcamp", "vimeo", "http"}

// pluginSources maps a node plugin name to the sources it enables.
var pluginSources = map[string][]string{
	"Topis-Source-Managers-Plugin": {"spotify", "applemusic"},
	"DuncteBot-plugin": {
		"getyarn", "clypit", "speak", "pornhub", "reddit",
		"ocremix", "tiktok", "mixcloud", "soundgasm",
	},
	"Google Cloud TTS": {"gcloud-tts"},
	"sponsorblock":     {"sponsorblock"},
}
