package store

import (
	"fmt"
	"path/filepath"

	"github.com/felixgeelhaar/medmem/internal/seal"
)

// Open opens the storage engine of the given kind under dataDir.
func Open(kind Kind, dataDir string, sealer *seal.Sealer) (Storage, error) {
	switch kind {
	case KindSQLite, "":
		return NewSQLiteStore(filepath.Join(dataDir, "medmem.db"), sealer)
	case KindBadger:
		return NewBadgerStore(BadgerOptions{DataDir: filepath.Join(dataDir, "badger"), Sealer: sealer})
	}
	return nil, fmt.Errorf("unknown storage backend %q (use sqlite or badger)", kind)
}
