package storage_test

import (
	"testing"

	"github.com/c360studio/simflow/storage"
	"github.com/c360studio/simflow/storage/storetest"
)

func TestMemoryStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store {
		return storage.NewMemoryStore()
	})
}
