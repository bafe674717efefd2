package postgres_test

import (
	"testing"

	"github.com/warp/collections-engine/generic"
	"github.com/warp/collections-engine/generic/store/storetest"
	"github.com/warp/collections-engine/internal/testutil"
	"github.com/warp/collections-engine/store/postgres"
)

func TestPostgresStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) generic.TxStore {
		db, cleanup := testutil.PGTest(t)
		t.Cleanup(cleanup)
		return postgres.New(db)
	})
}
