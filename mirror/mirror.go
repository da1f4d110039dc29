// Package mirror selects the MirrorService backend from the environment.
package mirror

import (
	"context"
	"fmt"
	"os"

	"letter-collab/core"
	"letter-collab/mirror/gdrive"
	"letter-collab/mirror/memory"
	"letter-collab/mirror/s3"

	"github.com/sirupsen/logrus"
)

// GetMirror builds the MirrorService named by MIRROR_TYPE. "none" disables
// mirroring and returns a nil service.
func GetMirror(ctx context.Context) (core.MirrorService, error) {
	mirrorType := os.Getenv("MIRROR_TYPE")
	fields := logrus.Fields{"mirrorType": mirrorType}

	var (
		svc core.MirrorService
		err error
	)
	switch mirrorType {
	case "none":
		logrus.Info("Mirroring disabled")
		return nil, nil
	case "s3":
		bucket := os.Getenv("S3_BUCKET_NAME")
		if bucket == "" {
			return nil, fmt.Errorf("S3_BUCKET_NAME must be set for the s3 mirror")
		}
		fields["bucketName"] = bucket
		svc, err = s3.NewFromEnv(ctx, bucket, os.Getenv("S3_PREFIX"))
	case "gdrive":
		credentials := os.Getenv("GOOGLE_CREDENTIALS_FILE")
		if credentials == "" {
			return nil, fmt.Errorf("GOOGLE_CREDENTIALS_FILE must be set for the gdrive mirror")
		}
		folder := os.Getenv("GDRIVE_FOLDER_ID")
		fields["folderId"] = folder
		svc, err = gdrive.NewFromCredentialsFile(ctx, credentials, folder)
	case "", "memory":
		fields["mirrorType"] = "in-memory"
		svc = memory.New()
	default:
		return nil, fmt.Errorf("unknown MIRROR_TYPE %q", mirrorType)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s mirror: %w", mirrorType, err)
	}
	logrus.WithFields(fields).Info("Use mirror")
	return svc, nil
}
