package drive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/invoicehub/drive-ingest/internal/models"
)

type fakeListClient struct {
	folders []string
	pages   map[string]*FileList // keyed by page token, "" is the first page
	queries []string
	err     error
}

func (f *fakeListClient) ExecuteList(query, pageToken string, pageSize int) (*FileList, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return nil, f.err
	}
	page, ok := f.pages[pageToken]
	if !ok {
		return &FileList{}, nil
	}
	return page, nil
}

func (f *fakeListClient) FolderTree(rootFolderID string) []string {
	if len(f.folders) == 0 {
		return []string{rootFolderID}
	}
	return f.folders
}

func TestBuildQuery(t *testing.T) {
	since := time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC)
	query := buildQuery([]string{"root", "sub"}, since)

	assert.Equal(t,
		"('root' in parents or 'sub' in parents) and mimeType = 'application/pdf' and trashed = false and modifiedTime > '2026-08-01T10:30:00.000Z'",
		query)
}

func TestForEachPageAppliesSafetyWindow(t *testing.T) {
	client := &fakeListClient{pages: map[string]*FileList{}}
	enum := NewEnumerator(client, 100, 24*time.Hour)

	since := time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC)
	err := enum.ForEachPage(context.Background(), "root", &since, 10, func([]models.RemoteFile) error {
		t.Fatal("no files expected")
		return nil
	})

	assert.NoError(t, err)
	if assert.Len(t, client.queries, 1) {
		// The cursor is pulled back by the window to re-observe edge files.
		assert.Contains(t, client.queries[0], "modifiedTime > '2026-08-01T00:00:00.000Z'")
	}
}

func TestForEachPageFirstRunAnchorsWindowAtNow(t *testing.T) {
	client := &fakeListClient{pages: map[string]*FileList{}}
	enum := NewEnumerator(client, 100, 24*time.Hour)
	enum.now = func() time.Time { return time.Date(2026, 8, 2, 12, 0, 0, 0, time.UTC) }

	err := enum.ForEachPage(context.Background(), "root", nil, 10, func([]models.RemoteFile) error {
		t.Fatal("no files expected")
		return nil
	})

	assert.NoError(t, err)
	if assert.Len(t, client.queries, 1) {
		// Without a cursor the run covers the last window only, never the
		// whole folder history.
		assert.Contains(t, client.queries[0], "modifiedTime > '2026-08-01T12:00:00.000Z'")
	}
}

func TestForEachPageFollowsTokens(t *testing.T) {
	client := &fakeListClient{pages: map[string]*FileList{
		"": {
			Files:         []models.RemoteFile{{ID: "a"}, {ID: "b"}},
			NextPageToken: "page-2",
		},
		"page-2": {
			Files: []models.RemoteFile{{ID: "c"}},
		},
	}}
	enum := NewEnumerator(client, 100, time.Hour)

	var seen []string
	err := enum.ForEachPage(context.Background(), "root", nil, 10, func(files []models.RemoteFile) error {
		for _, f := range files {
			seen = append(seen, f.ID)
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestForEachPageHonorsPageBudget(t *testing.T) {
	// Every page points at itself, an endless listing.
	client := &fakeListClient{pages: map[string]*FileList{
		"":     {Files: []models.RemoteFile{{ID: "x"}}, NextPageToken: "loop"},
		"loop": {Files: []models.RemoteFile{{ID: "y"}}, NextPageToken: "loop"},
	}}
	enum := NewEnumerator(client, 100, time.Hour)

	pages := 0
	err := enum.ForEachPage(context.Background(), "root", nil, 3, func([]models.RemoteFile) error {
		pages++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, pages)
}

func TestForEachPageStopsOnHandlerError(t *testing.T) {
	client := &fakeListClient{pages: map[string]*FileList{
		"": {Files: []models.RemoteFile{{ID: "a"}}, NextPageToken: "page-2"},
	}}
	enum := NewEnumerator(client, 100, time.Hour)

	handlerErr := errors.New("batch failed")
	err := enum.ForEachPage(context.Background(), "root", nil, 10, func([]models.RemoteFile) error {
		return handlerErr
	})

	assert.ErrorIs(t, err, handlerErr)
}

func TestForEachPagePropagatesListError(t *testing.T) {
	client := &fakeListClient{err: errors.New("quota exceeded")}
	enum := NewEnumerator(client, 100, time.Hour)

	err := enum.ForEachPage(context.Background(), "root", nil, 10, func([]models.RemoteFile) error {
		return nil
	})

	assert.ErrorContains(t, err, "quota exceeded")
}

func TestForEachPageStopsOnContextCancel(t *testing.T) {
	client := &fakeListClient{pages: map[string]*FileList{}}
	enum := NewEnumerator(client, 100, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := enum.ForEachPage(ctx, "root", nil, 10, func([]models.RemoteFile) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
