// SPDX-License-Identifier: MIT

// Package descriptor holds the catalog of poll option descriptors and the
// sampler that draws a poll's option set from it.
package descriptor

// catalog is the built-in descriptor set. Each entry names a mood, texture,
// or movement quality a listener can vote the next track toward. The set is
// replaceable at runtime via a watched YAML file.
var catalog = []string{
	"dreamy", "driving", "mellow", "upbeat", "moody", "hazy",
	"breezy", "gritty", "airy", "warm", "cold", "dusty",
	"glassy", "smoky", "velvet", "neon", "pastel", "midnight",
	"sunrise", "sunset", "rainy", "snowy", "foggy", "stormy",
	"tranquil", "restless", "wistful", "hopeful", "somber", "playful",
	"tender", "fierce", "gentle", "bold", "shy", "curious",
	"nostalgic", "futuristic", "retro", "cosmic", "earthy", "oceanic",
	"woodland", "urban", "suburban", "desert", "alpine", "tropical",
	"floating", "sinking", "soaring", "gliding", "drifting", "rushing",
	"pulsing", "swaying", "bouncing", "rolling", "spinning", "still",
	"sparse", "dense", "layered", "minimal", "lush", "hollow",
	"crisp", "blurry", "polished", "raw", "fuzzy", "sharp",
	"honeyed", "bitter", "salty", "sweet", "spicy", "smooth",
	"crackly", "static", "humming", "buzzing", "ringing", "muted",
	"golden", "silver", "crimson", "indigo", "emerald", "amber",
	"weightless", "heavy", "featherlight", "grounded", "electric", "magnetic",
	"lonely", "crowded", "intimate", "distant", "familiar", "strange",
}

// CatalogKeys returns a copy of the built-in descriptor catalog.
func CatalogKeys() []string {
	out := make([]string, len(catalog))
	copy(out, catalog)
	return out
}
