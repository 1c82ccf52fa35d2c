package storage

import (
	"github.com/boljen/go-bitmap"

	"github.com/spf13/afero"
)

var appFS = afero.NewOsFs()
var openFile = appFS.OpenFile

// Storage is the persistence collaborator. The engine never touches
// filesystem paths directly; it addresses everything by piece index.
type Storage interface {
	WritePiece(pieceIndex int, data []byte) (err error)
	ReadBlock(pieceIndex, blockByteOffset, length int) (blockData []byte, err error)
	VerifiedBitfield() (clientBitfield bitmap.Bitmap, left int, err error)
	Close()
}
