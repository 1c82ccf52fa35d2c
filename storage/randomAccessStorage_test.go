package storage

import (
	"bytes"
	"crypto/sha1"
	"os"
	"testing"

	"github.com/go-swarm/swarm/torrent"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

var multiFileTorrent = &torrent.Torrent{
	Length:    600,
	NumPieces: 3,
	MetaInfo: torrent.MetaInfo{
		Info: torrent.Info{
			PieceLength: 256,
			Name:        "root",
			Files: []torrent.File{
				{
					Length: 300,
					Path:   []string{"sub1", "name1"},
				},
				{
					Length: 300,
					Path:   []string{"sub1", "sub2", "name2"},
				},
			},
		},
	},
}

func TestInitCreatesTree(t *testing.T) {
	appFS = afero.NewMemMapFs()
	openFile = appFS.OpenFile

	_, err := NewRandomAccessStorage(multiFileTorrent)
	assert.NoError(t, err)

	if _, err := appFS.Stat("root"); os.IsNotExist(err) {
		t.Error(err)
	}
	if _, err := appFS.Stat("root/sub1/name1"); os.IsNotExist(err) {
		t.Error(err)
	}
	if _, err := appFS.Stat("root/sub1/sub2/name2"); os.IsNotExist(err) {
		t.Error(err)
	}
}

type mockFile struct {
	mock.Mock
	afero.File
}

func (m *mockFile) WriteAt(b []byte, off int64) (int, error) {
	args := m.Called(b, off)
	return args.Int(0), args.Error(1)
}

func (m *mockFile) ReadAt(b []byte, off int64) (int, error) {
	args := m.Called(b, off)
	return args.Int(0), args.Error(1)
}

func mockOpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	return &mockFile{}, nil
}

func TestReadBlockSpansFiles(t *testing.T) {
	appFS = afero.NewMemMapFs()
	openFile = mockOpenFile

	stg, err := NewRandomAccessStorage(multiFileTorrent)
	assert.NoError(t, err)
	d := stg.(*randomAccessStorage)

	// 19 bytes from the tail of the first file
	mf1 := d.files[0].(*mockFile)
	mf1.On("ReadAt", mock.MatchedBy(func(buf []byte) bool {
		return len(buf) == 19
	}), int64(281)).Return(19, nil)
	// the remaining 109 from the head of the second
	mf2 := d.files[1].(*mockFile)
	mf2.On("ReadAt", mock.MatchedBy(func(buf []byte) bool {
		return len(buf) == 109
	}), int64(0)).Return(109, nil)

	_, err = d.ReadBlock(1, 25, 128)
	assert.NoError(t, err)
	mf1.AssertExpectations(t)
	mf2.AssertExpectations(t)
}

func TestWritePieceSpansFiles(t *testing.T) {
	appFS = afero.NewMemMapFs()
	openFile = mockOpenFile

	stg, err := NewRandomAccessStorage(multiFileTorrent)
	assert.NoError(t, err)
	d := stg.(*randomAccessStorage)

	mf1 := d.files[0].(*mockFile)
	mf1.On("WriteAt", mock.MatchedBy(func(buf []byte) bool {
		return len(buf) == 44
	}), int64(256)).Return(44, nil)
	mf2 := d.files[1].(*mockFile)
	mf2.On("WriteAt", mock.MatchedBy(func(buf []byte) bool {
		return len(buf) == 212
	}), int64(0)).Return(212, nil)

	err = d.WritePiece(1, make([]byte, 256))
	assert.NoError(t, err)
	mf1.AssertExpectations(t)
	mf2.AssertExpectations(t)
}

func TestVerifiedBitfieldRecoversPieces(t *testing.T) {
	appFS = afero.NewMemMapFs()
	openFile = appFS.OpenFile

	piece0 := bytes.Repeat([]byte{1}, 256)
	piece1 := bytes.Repeat([]byte{2}, 256)
	sum0 := sha1.Sum(piece0)
	sum1 := sha1.Sum(piece1)
	tor := &torrent.Torrent{
		Length:    512,
		NumPieces: 2,
		MetaInfo: torrent.MetaInfo{
			Info: torrent.Info{
				PieceLength: 256,
				Name:        "payload.bin",
				Length:      512,
			},
		},
	}
	tor.MetaInfo.Info.Pieces = string(sum0[:]) + string(sum1[:])

	stg, err := NewRandomAccessStorage(tor)
	assert.NoError(t, err)

	// A fresh file holds nothing recoverable
	bf, left, err := stg.VerifiedBitfield()
	assert.NoError(t, err)
	assert.False(t, bf.Get(0))
	assert.False(t, bf.Get(1))
	assert.Equal(t, 512, left)

	// Piece 0 intact, piece 1 garbage
	assert.NoError(t, stg.WritePiece(0, piece0))
	assert.NoError(t, stg.WritePiece(1, bytes.Repeat([]byte{9}, 256)))

	bf, left, err = stg.VerifiedBitfield()
	assert.NoError(t, err)
	assert.True(t, bf.Get(0))
	assert.False(t, bf.Get(1))
	assert.Equal(t, 256, left)
}
