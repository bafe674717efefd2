package store_test

import (
	"testing"

	"github.com/warp/collections-engine/generic"
	"github.com/warp/collections-engine/generic/store"
	"github.com/warp/collections-engine/generic/store/storetest"
)

func TestTxMemory(t *testing.T) {
	storetest.Run(t, func(t *testing.T) generic.TxStore {
		return store.NewTxMemory()
	})
}
