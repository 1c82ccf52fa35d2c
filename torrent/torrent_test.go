package torrent

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewTorrentSingleFile(t *testing.T) {
	pieces := strings.Repeat("a", 20) + strings.Repeat("b", 20)
	raw := "d8:announce26:http://tracker.io/announce" +
		"4:infod6:lengthi500e4:name8:file.bin12:piece lengthi256e6:pieces40:" + pieces + "ee"

	tor, err := NewTorrent(bytes.NewReader([]byte(raw)))
	assert.NoError(t, err)
	assert.Equal(t, "http://tracker.io/announce", tor.MetaInfo.Announce)
	assert.Equal(t, 500, tor.Length)
	assert.Equal(t, 2, tor.NumPieces)
	assert.Len(t, tor.InfoHash, 20)

	assert.Equal(t, 256, tor.PieceLength(0))
	// The last piece only covers the remainder
	assert.Equal(t, 244, tor.PieceLength(1))
	assert.Equal(t, []byte(pieces[20:]), tor.PieceHash(1))
}

func TestNewTorrentMultiFile(t *testing.T) {
	pieces := strings.Repeat("c", 40)
	raw := "d4:infod5:filesl" +
		"d6:lengthi300e4:pathl4:sub15:name1ee" +
		"d6:lengthi200e4:pathl5:name2ee" +
		"e4:name4:root12:piece lengthi256e6:pieces40:" + pieces + "ee"

	tor, err := NewTorrent(bytes.NewReader([]byte(raw)))
	assert.NoError(t, err)
	assert.Equal(t, 500, tor.Length)
	assert.Equal(t, 2, tor.NumPieces)
	assert.Len(t, tor.MetaInfo.Info.Files, 2)
	assert.Equal(t, []string{"sub1", "name1"}, tor.MetaInfo.Info.Files[0].Path)
}

func TestNewTorrentMalformed(t *testing.T) {
	_, err := NewTorrent(bytes.NewReader([]byte("de")))
	assert.Error(t, err)

	// info present but without pieces
	_, err = NewTorrent(bytes.NewReader([]byte("d4:infod6:lengthi500eee")))
	assert.Error(t, err)
}

func TestPeerIDPrefix(t *testing.T) {
	assert.Len(t, PEER_ID, 20)
	assert.Equal(t, "-SW0001-", string(PEER_ID[:8]))
}
