package hls

import (
	"bytes"

	"github.com/grafov/m3u8"
)

// Playlist type labels returned by Inspect.
const (
	PlaylistMaster  = "master"
	PlaylistMedia   = "media"
	PlaylistUnknown = "unknown"
)

// Inspect decodes body leniently and reports whether it is a master or a
// media playlist. Playlists the decoder rejects are reported as unknown;
// they are still rewritten.
func Inspect(body []byte) string {
	_, listType, err := m3u8.DecodeFrom(bytes.NewReader(bytes.TrimPrefix(body, utf8BOM)), false)
	if err != nil {
		return PlaylistUnknown
	}
	switch listType {
	case m3u8.MASTER:
		return PlaylistMaster
	case m3u8.MEDIA:
		return PlaylistMedia
	}
	return PlaylistUnknown
}
