package domain

// Platform identifies a streaming provider a track can be resolved on.
type Platform string

const (
	PlatformSpotify    Platform = "spotify"
	PlatformAppleMusic Platform = "apple_music"
)

// ContentKind tags the variant of a ContentRef.
type ContentKind string

const (
	KindSong     ContentKind = "song"
	KindAlbum    ContentKind = "album"
	KindPlaylist ContentKind = "playlist"
)

// StreamingLocator points at a piece of content on a specific platform.
type StreamingLocator struct {
	Platform   Platform `json:"platform"`
	ExternalID string   `json:"external_id"`
	ArtworkURL string   `json:"artwork_url,omitempty"`
}

// ContentRef holds display metadata and the platform locators for a track.
// Identity is the (platform, external id) tuple of its primary locator,
// never the title, since two distinct tracks may share a name.
type ContentRef struct {
	Kind     ContentKind        `json:"kind"`
	Title    string             `json:"title"`
	Artist   string             `json:"artist,omitempty"`
	Locators []StreamingLocator `json:"locators"`
}

// Primary returns the first locator, or a zero value if none exist.
func (c ContentRef) Primary() StreamingLocator {
	if len(c.Locators) == 0 {
		return StreamingLocator{}
	}
	return c.Locators[0]
}

// Key returns the identity key of the content.
func (c ContentRef) Key() string {
	p := c.Primary()
	return string(p.Platform) + ":" + p.ExternalID
}

// SameContent reports whether two refs identify the same content.
func (c ContentRef) SameContent(other ContentRef) bool {
	a, b := c.Primary(), other.Primary()
	return a.Platform == b.Platform && a.ExternalID == b.ExternalID
}
