package dropdown

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"dealflow/internal/domain"
	"dealflow/internal/store"
)

var dbSeq int

func newTestService(t *testing.T, ttl time.Duration) (*Service, store.Repository, *miniredis.Miniredis) {
	t.Helper()
	dbSeq++
	db, err := sql.Open("sqlite", fmt.Sprintf("file:dropdown_test_%d?mode=memory&cache=shared", dbSeq))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := store.EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(s.Close)

	repo := store.NewSQLiteRepo(db)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewService(repo, rdb, ttl), repo, s
}

func seedOption(t *testing.T, repo store.Repository, field, values string, order int) string {
	t.Helper()
	id, err := repo.CreateDropdownOption(context.Background(), domain.DropdownOption{
		FieldName:    field,
		OptionValues: values,
		DisplayOrder: order,
		IsActive:     true,
	})
	if err != nil {
		t.Fatalf("CreateDropdownOption: %v", err)
	}
	return id
}

func TestListActive_ReadThroughAndByteIdentical(t *testing.T) {
	svc, repo, mr := newTestService(t, time.Minute)
	ctx := context.Background()
	seedOption(t, repo, "material", `{"zinc":"Zinc"}`, 1)

	first, err := svc.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if !mr.Exists(CacheKey) {
		t.Fatalf("cache key not populated after miss")
	}
	if ttl := mr.TTL(CacheKey); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected cache TTL: %v", ttl)
	}

	second, err := svc.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive (hit): %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("repeat read not byte-identical:\n%s\n%s", first, second)
	}

	var opts []Option
	if err := json.Unmarshal(first, &opts); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	if len(opts) != 1 || opts[0].FieldName != "material" {
		t.Fatalf("unexpected payload: %+v", opts)
	}
}

func TestInvalidate_NextReadIsFresh(t *testing.T) {
	svc, repo, mr := newTestService(t, time.Minute)
	ctx := context.Background()
	seedOption(t, repo, "material", `{"zinc":"Zinc"}`, 1)

	if _, err := svc.ListActive(ctx); err != nil {
		t.Fatalf("warm read: %v", err)
	}

	// A write followed by a synchronous invalidation must be visible on the
	// very next read.
	seedOption(t, repo, "material", `{"copper":"Copper"}`, 0)
	svc.Invalidate(ctx)
	if mr.Exists(CacheKey) {
		t.Fatalf("cache key survived invalidation")
	}

	payload, err := svc.ListActive(ctx)
	if err != nil {
		t.Fatalf("read after invalidation: %v", err)
	}
	var opts []Option
	if err := json.Unmarshal(payload, &opts); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(opts) != 2 {
		t.Fatalf("stale read after invalidation: %+v", opts)
	}
	if opts[0].DisplayOrder != 0 {
		t.Fatalf("ordering lost after refresh: %+v", opts)
	}
}

func TestListActive_RedisDownFallsBackToStore(t *testing.T) {
	svc, repo, mr := newTestService(t, time.Minute)
	ctx := context.Background()
	seedOption(t, repo, "material", `{"zinc":"Zinc"}`, 1)

	mr.Close()
	payload, err := svc.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive with redis down: %v", err)
	}
	var opts []Option
	if err := json.Unmarshal(payload, &opts); err != nil || len(opts) != 1 {
		t.Fatalf("fallback read broken: err=%v payload=%s", err, payload)
	}
}

func TestRefresh_EmptyTableServesEmptyList(t *testing.T) {
	svc, _, _ := newTestService(t, time.Minute)
	payload, err := svc.ListActive(context.Background())
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	var opts []Option
	if err := json.Unmarshal(payload, &opts); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(opts) != 0 {
		t.Fatalf("want empty list got %+v", opts)
	}
}
