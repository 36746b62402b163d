// Package storage abstracts the durable artifact store. The controller only
// hands out presigned URLs; the worker moves files. S3Store is the real
// implementation (S3 or MinIO); NoopStore is the test double.
package storage

import "context"

type ObjectStore interface {
	EnsureBucket(ctx context.Context) error
	// PresignPut returns a time-limited upload URL plus the headers the
	// client must send with it.
	PresignPut(ctx context.Context, key string) (url string, headers map[string]string, err error)
	PresignGet(ctx context.Context, key string) (string, error)
	HeadObjectSize(ctx context.Context, key string) (int64, error)
	ObjectExists(ctx context.Context, key string) (bool, error)
	PutFile(ctx context.Context, localPath, key string) error
	GetFile(ctx context.Context, key, localPath string) error
}

// BundleKey is the deterministic object key for a user's uploaded bundle.
func BundleKey(userID, manifestHash string) string {
	return "bundles/" + userID + "/" + manifestHash + ".zip"
}

// ResultKey is the object key for a finished artifact.
func ResultKey(userID, jobID, filename string) string {
	return "results/" + userID + "/" + jobID + "/" + filename
}
