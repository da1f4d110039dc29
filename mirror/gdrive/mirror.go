// Package gdrive mirrors letters as Google Docs. Each save uploads the HTML
// body and lets Drive convert it; the ref is the Drive file id.
package gdrive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const googleDocMimeType = "application/vnd.google-apps.document"

type Mirror struct {
	files    *drive.FilesService
	folderID string
}

// New wraps an already-configured Drive service.
func New(srv *drive.Service, folderID string) *Mirror {
	return &Mirror{files: srv.Files, folderID: folderID}
}

// NewFromCredentialsFile authenticates with a service account or authorized
// user JSON file.
func NewFromCredentialsFile(ctx context.Context, credentialsFile, folderID string) (*Mirror, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read google credentials: %w", err)
	}
	creds, err := google.CredentialsFromJSON(ctx, data, drive.DriveFileScope)
	if err != nil {
		return nil, fmt.Errorf("parse google credentials: %w", err)
	}
	srv, err := drive.NewService(ctx, option.WithCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}
	return New(srv, folderID), nil
}

func (m *Mirror) Create(ctx context.Context, content string) (string, error) {
	file := &drive.File{
		Name:     "Letter " + time.Now().UTC().Format("2006-01-02 15:04:05"),
		MimeType: googleDocMimeType,
	}
	if m.folderID != "" {
		file.Parents = []string{m.folderID}
	}

	created, err := m.files.Create(file).
		Media(strings.NewReader(wrapHTML(content)), googleapi.ContentType("text/html")).
		Fields("id").
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("create google doc: %w", err)
	}
	logrus.WithField("external_ref", created.Id).Debug("Google Doc created")
	return created.Id, nil
}

// Delete removes the file. A file that is already gone counts as deleted.
func (m *Mirror) Delete(ctx context.Context, ref string) error {
	err := m.files.Delete(ref).Context(ctx).Do()
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
		logrus.WithField("external_ref", ref).Debug("Google Doc already deleted")
		return nil
	}
	return fmt.Errorf("delete google doc %s: %w", ref, err)
}

func (m *Mirror) URL(ref string) string {
	return "https://docs.google.com/document/d/" + ref + "/edit"
}

func wrapHTML(content string) string {
	return "<!DOCTYPE html><html><head><meta charset=\"utf-8\"></head><body>" + content + "</body></html>"
}
