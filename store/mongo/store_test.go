package mongo_test

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/autopay/store"
	"github.com/xraph/autopay/store/mongo"
	"github.com/xraph/autopay/store/storetest"
)

var dbSeq atomic.Int64

// Set AUTOPAY_TEST_MONGO_URI to a disposable server to run these. Each
// subtest gets its own database, dropped afterwards.
func TestConformance(t *testing.T) {
	uri := os.Getenv("AUTOPAY_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("AUTOPAY_TEST_MONGO_URI not set")
	}

	storetest.Run(t, func(t *testing.T) store.Store {
		ctx := context.Background()
		name := fmt.Sprintf("autopay_test_%d_%d", time.Now().UnixNano(), dbSeq.Add(1))

		s, err := mongo.Open(ctx, uri, name)
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = mongodriver.Unwrap(s.DB()).Database().Drop(context.Background())
			_ = s.Close()
		})
		require.NoError(t, s.Migrate(ctx))
		return s
	})
}
