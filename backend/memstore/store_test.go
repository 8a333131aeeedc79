package memstore_test

import (
	"testing"

	"github.com/mhpenta/taskqueue"
	"github.com/mhpenta/taskqueue/backend/memstore"
	"github.com/mhpenta/taskqueue/internal/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) taskqueue.Store {
		return memstore.New()
	})
}
