// Package drive talks to Google Drive: folder discovery, incremental change
// listing and file download, with bounded retries on transient API failures.
package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	gdrive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/invoicehub/drive-ingest/internal/models"
)

const listFields = "nextPageToken, files(id, name, mimeType, modifiedTime, size, parents)"

type Client struct {
	service *gdrive.Service
	retry   *RetryPolicy
	ctx     context.Context
}

// NewClient builds a read-only Drive client. With an empty credentials path
// the client falls back to application default credentials.
func NewClient(ctx context.Context, credentialsFile string, retry *RetryPolicy) (*Client, error) {
	opts := []option.ClientOption{option.WithScopes(gdrive.DriveReadonlyScope)}
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	service, err := gdrive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error creating drive client: %w", err)
	}

	return &Client{service: service, retry: retry, ctx: ctx}, nil
}

// FileList is one page of a change listing.
type FileList struct {
	Files         []models.RemoteFile
	NextPageToken string
}

// ExecuteList runs one page of a files.list query.
func (c *Client) ExecuteList(query, pageToken string, pageSize int) (*FileList, error) {
	var resp *gdrive.FileList
	err := c.retry.Do(c.ctx, "drive list", func() error {
		call := c.service.Files.List().
			Q(query).
			Spaces("drive").
			Fields(listFields).
			OrderBy("modifiedTime asc, name asc").
			PageSize(int64(pageSize)).
			SupportsAllDrives(true).
			IncludeItemsFromAllDrives(true)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		var err error
		resp, err = call.Context(c.ctx).Do()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("error listing drive files: %w", err)
	}

	list := &FileList{NextPageToken: resp.NextPageToken}
	for _, f := range resp.Files {
		rf := models.RemoteFile{
			ID:        f.Id,
			Name:      f.Name,
			MimeType:  f.MimeType,
			SizeBytes: f.Size,
		}
		if len(f.Parents) > 0 {
			rf.ParentFolderID = f.Parents[0]
		}
		if f.ModifiedTime != "" {
			t, err := time.Parse(time.RFC3339, f.ModifiedTime)
			if err != nil {
				log.Printf("WARN: unparseable modifiedTime %q for file %s, skipping timestamp", f.ModifiedTime, f.Id)
			} else {
				rf.ModifiedAt = t
			}
		}
		list.Files = append(list.Files, rf)
	}

	return list, nil
}

// FolderTree returns the root folder plus every descendant folder, breadth
// first. On a listing failure partway down it degrades to the folders found
// so far with a warning rather than failing the run.
func (c *Client) FolderTree(rootFolderID string) []string {
	folders := []string{rootFolderID}
	seen := map[string]bool{rootFolderID: true}

	queue := []string{rootFolderID}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]

		query := fmt.Sprintf("'%s' in parents and mimeType = 'application/vnd.google-apps.folder' and trashed = false", parent)
		pageToken := ""
		for {
			page, err := c.ExecuteList(query, pageToken, 100)
			if err != nil {
				log.Printf("WARN: failed to list subfolders of %s, continuing with %d folders: %v",
					parent, len(folders), err)
				return folders
			}
			for _, f := range page.Files {
				if !seen[f.ID] {
					seen[f.ID] = true
					folders = append(folders, f.ID)
					queue = append(queue, f.ID)
				}
			}
			if page.NextPageToken == "" {
				break
			}
			pageToken = page.NextPageToken
		}
	}

	return folders
}

// Download streams a file's content to destPath. A size mismatch against the
// listing is logged but not fatal: Drive reports sizes lazily for some types.
func (c *Client) Download(fileID, destPath string, expectedSize int64) error {
	var body io.ReadCloser
	err := c.retry.Do(c.ctx, "drive download", func() error {
		resp, err := c.service.Files.Get(fileID).SupportsAllDrives(true).Context(c.ctx).Download()
		if err != nil {
			return err
		}
		body = resp.Body
		return nil
	})
	if err != nil {
		return fmt.Errorf("error downloading file %s: %w", fileID, err)
	}
	defer body.Close()

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("error creating download target %s: %w", destPath, err)
	}

	written, err := io.Copy(out, body)
	if cerr := out.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(destPath)
		return fmt.Errorf("error writing download %s: %w", destPath, err)
	}

	if expectedSize > 0 && written != expectedSize {
		log.Printf("WARN: file %s downloaded %d bytes, listing reported %d", fileID, written, expectedSize)
	}

	return nil
}

// FileMetadata fetches current metadata for one file. Returns (nil, nil) when
// the file no longer exists or is no longer accessible.
func (c *Client) FileMetadata(fileID string) (*models.RemoteFile, error) {
	var f *gdrive.File
	err := c.retry.Do(c.ctx, "drive metadata", func() error {
		var err error
		f, err = c.service.Files.Get(fileID).
			Fields("id, name, mimeType, modifiedTime, size, parents, trashed").
			SupportsAllDrives(true).
			Context(c.ctx).Do()
		return err
	})
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == 404 {
			return nil, nil
		}
		return nil, fmt.Errorf("error fetching metadata for %s: %w", fileID, err)
	}
	if f.Trashed {
		return nil, nil
	}

	rf := &models.RemoteFile{
		ID:        f.Id,
		Name:      f.Name,
		MimeType:  f.MimeType,
		SizeBytes: f.Size,
	}
	if len(f.Parents) > 0 {
		rf.ParentFolderID = f.Parents[0]
	}
	if f.ModifiedTime != "" {
		if t, err := time.Parse(time.RFC3339, f.ModifiedTime); err == nil {
			rf.ModifiedAt = t
		}
	}

	return rf, nil
}

// ValidateFolderAccess verifies the configured root folder exists and is
// reachable with the current credentials before a run starts work.
func (c *Client) ValidateFolderAccess(folderID string) error {
	var f *gdrive.File
	err := c.retry.Do(c.ctx, "drive folder check", func() error {
		var err error
		f, err = c.service.Files.Get(folderID).
			Fields("id, name, mimeType").
			SupportsAllDrives(true).
			Context(c.ctx).Do()
		return err
	})
	if err != nil {
		return fmt.Errorf("cannot access folder %s: %w", folderID, err)
	}
	if f.MimeType != "application/vnd.google-apps.folder" {
		return fmt.Errorf("id %s is not a folder (mimeType %s)", folderID, f.MimeType)
	}

	return nil
}
