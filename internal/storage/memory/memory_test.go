package memory

import (
	"testing"

	"github.com/kingrea/procman/internal/storage"
	"github.com/kingrea/procman/internal/storage/storagetest"
)

func TestMemoryStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) (storage.Store, func() storage.Store) {
		return New(), nil
	})
}
