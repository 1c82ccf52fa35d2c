package storage

import (
	"bytes"
	"crypto/sha1"
	"os"
	"strings"
	"sync"

	"github.com/go-swarm/swarm/torrent"
	"github.com/boljen/go-bitmap"
	"github.com/spf13/afero"
)

type randomAccessStorage struct {
	torrent     *torrent.Torrent
	files       []afero.File
	fileLengths []int
	fileLocks   []*sync.Mutex
}

func NewRandomAccessStorage(
	torrent *torrent.Torrent) (Storage, error) {

	storage := &randomAccessStorage{
		torrent: torrent,
	}
	if err := storage.init(); err != nil {
		return nil, err
	}
	return storage, nil
}

func openOrCreateFile(path string) (afero.File, error) {
	return openFile(path, os.O_CREATE|os.O_RDWR, 0755)
}

func (d *randomAccessStorage) init() error {
	info := &d.torrent.MetaInfo.Info
	if len(info.Files) > 0 {
		// Multiple File Mode

		// Create root directory
		if _, err := appFS.Stat(info.Name); os.IsNotExist(err) {
			if err := appFS.Mkdir(info.Name, 0755); err != nil {
				return err
			}
		}

		// Create sub-directories and create/open file handles
		for _, file := range info.Files {
			subdir := strings.Join(append([]string{info.Name}, file.Path[:len(file.Path)-1]...), "/")
			if _, err := appFS.Stat(subdir); os.IsNotExist(err) {
				if err := appFS.MkdirAll(subdir, 0755); err != nil {
					return err
				}
			}
			path := strings.Join(append([]string{info.Name}, file.Path...), "/")
			f, err := openOrCreateFile(path)
			if err != nil {
				return err
			}
			d.files = append(d.files, f)
			d.fileLengths = append(d.fileLengths, file.Length)
			d.fileLocks = append(d.fileLocks, &sync.Mutex{})
		}
	} else {
		// Single File Mode
		f, err := openOrCreateFile(info.Name)
		if err != nil {
			return err
		}
		d.files = append(d.files, f)
		d.fileLengths = append(d.fileLengths, info.Length)
		d.fileLocks = append(d.fileLocks, &sync.Mutex{})
	}
	return nil
}

// locate maps an absolute offset within the piece address space to the file
// holding it and the offset within that file.
func (d *randomAccessStorage) locate(abs int) (fileIndex, offset int) {
	for fileIndex = 0; fileIndex < len(d.fileLengths)-1; fileIndex++ {
		if abs < d.fileLengths[fileIndex] {
			break
		}
		abs -= d.fileLengths[fileIndex]
	}
	return fileIndex, abs
}

func (d *randomAccessStorage) ReadBlock(pieceIndex, blockByteOffset, length int) ([]byte, error) {
	abs := pieceIndex*d.torrent.MetaInfo.Info.PieceLength + blockByteOffset
	fileIndex, offset := d.locate(abs)

	blockData := &bytes.Buffer{}
	for length > 0 {
		readLen := length
		if offset+readLen > d.fileLengths[fileIndex] {
			readLen = d.fileLengths[fileIndex] - offset
		}
		data := make([]byte, readLen)
		d.fileLocks[fileIndex].Lock()
		_, err := d.files[fileIndex].ReadAt(data, int64(offset))
		d.fileLocks[fileIndex].Unlock()
		if err != nil {
			return nil, err
		}
		blockData.Write(data)

		length -= readLen
		offset = 0
		fileIndex++
	}
	return blockData.Bytes(), nil
}

func (d *randomAccessStorage) WritePiece(pieceIndex int, data []byte) error {
	abs := pieceIndex * d.torrent.MetaInfo.Info.PieceLength
	fileIndex, offset := d.locate(abs)

	for len(data) > 0 {
		writeLen := len(data)
		if offset+writeLen > d.fileLengths[fileIndex] {
			writeLen = d.fileLengths[fileIndex] - offset
		}
		d.fileLocks[fileIndex].Lock()
		_, err := d.files[fileIndex].WriteAt(data[:writeLen], int64(offset))
		d.fileLocks[fileIndex].Unlock()
		if err != nil {
			return err
		}

		data = data[writeLen:]
		offset = 0
		fileIndex++
	}
	return nil
}

// VerifiedBitfield rescans existing files and recovers the set of pieces
// whose on-disk payload still matches its descriptor digest, so a resumed
// download doesn't fetch them again.
func (d *randomAccessStorage) VerifiedBitfield() (bitmap.Bitmap, int, error) {
	clientBitfield := bitmap.New(d.torrent.NumPieces)
	left := d.torrent.Length
	for pieceIndex := 0; pieceIndex < d.torrent.NumPieces; pieceIndex++ {
		pieceLength := d.torrent.PieceLength(pieceIndex)
		data, err := d.ReadBlock(pieceIndex, 0, pieceLength)
		if err != nil {
			// Short or missing file regions read as errors; the piece
			// simply isn't there yet.
			continue
		}
		checksum := sha1.Sum(data)
		if bytes.Equal(checksum[:], d.torrent.PieceHash(pieceIndex)) {
			clientBitfield.Set(pieceIndex, true)
			left -= pieceLength
		}
	}
	return clientBitfield, left, nil
}

func (d *randomAccessStorage) Close() {
	for _, f := range d.files {
		f.Close()
	}
}
