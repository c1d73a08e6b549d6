package adminapi_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"tagsistant/adminapi"
	"tagsistant/models"
)

type countStore struct {
	objects, tags, dirty int64
}

func (s *countStore) Query(ctx context.Context, q string, fn models.RowFunc, args ...interface{}) error {
	switch {
	case strings.Contains(q, "FROM objects WHERE checksum"):
		return fn(countRow{s.dirty})
	case strings.Contains(q, "FROM objects"):
		return fn(countRow{s.objects})
	case strings.Contains(q, "FROM tags"):
		return fn(countRow{s.tags})
	}
	return nil
}

func (s *countStore) Exec(ctx context.Context, q string, args ...interface{}) (int64, error) {
	return 0, nil
}
func (s *countStore) Begin(ctx context.Context) (models.Tx, error) { return nil, nil }
func (s *countStore) Close() error                                 { return nil }

type countRow struct{ n int64 }

func (r countRow) Scan(dest ...interface{}) error {
	*dest[0].(*int64) = r.n
	return nil
}

func TestHealthzReturnsOK(t *testing.T) {
	h := adminapi.New(&countStore{}, nil, nil, nil)
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestStatsReflectsCounts(t *testing.T) {
	h := adminapi.New(&countStore{objects: 5, tags: 3, dirty: 2}, nil, nil, nil)
	req := httptest.NewRequest("GET", "/stats.json", nil)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)

	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var body struct {
		ObjectCount int64 `json:"object_count"`
		TagCount    int64 `json:"tag_count"`
		DirtyCount  int64 `json:"dirty_count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.ObjectCount != 5 || body.TagCount != 3 || body.DirtyCount != 2 {
		t.Fatalf("unexpected stats body: %+v", body)
	}
}
