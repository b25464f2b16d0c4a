package adapter_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/epavanello/fixodev-sub000/pkg/adapter"
	"github.com/m-mizutani/gt"
)

func TestStorageRoundTrip(t *testing.T) {
	bucket := os.Getenv("TEST_STORAGE_BUCKET")
	if bucket == "" {
		t.Skip("TEST_STORAGE_BUCKET is not set")
	}

	ctx := context.Background()
	s, err := adapter.NewStorage(ctx, bucket, adapter.WithObjectPrefix("test"))
	gt.NoError(t, err)

	key := "transcripts/" + time.Now().Format("20060102150405") + ".json"
	gt.NoError(t, s.Put(ctx, key, []byte(`{"ok":true}`)))

	data, err := s.Get(ctx, key)
	gt.NoError(t, err)
	gt.Equal(t, string(data), `{"ok":true}`)
}

func TestStorageRequiresBucket(t *testing.T) {
	_, err := adapter.NewStorage(context.Background(), "")
	gt.Error(t, err)
}
