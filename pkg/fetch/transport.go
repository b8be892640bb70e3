package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rotisserie/eris"
)

// Transport opens the content behind a URL. Errors are returned as *NetworkError.
type Transport interface {
	Open(ctx context.Context, u *url.URL) (io.ReadCloser, int64, error)
}

// HTTPTransport downloads http:// and https:// URLs
type HTTPTransport struct {
	Client *http.Client
}

func (t *HTTPTransport) Open(ctx context.Context, u *url.URL) (io.ReadCloser, int64, error) {
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, &NetworkError{URL: u.String(), Err: err}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, &NetworkError{URL: u.String(), Err: err, Temporary: true}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, 0, &NetworkError{
			URL:       u.String(),
			Err:       eris.Errorf("unexpected status %s", resp.Status),
			Temporary: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}
	}

	return resp.Body, resp.ContentLength, nil
}

// FileTransport opens file:// URLs from the local filesystem
type FileTransport struct{}

func (FileTransport) Open(ctx context.Context, u *url.URL) (io.ReadCloser, int64, error) {
	path := u.Path
	if path == "" {
		path = u.Opaque
	}
	if path == "/dev/null" {
		path = os.DevNull
	}

	handle, err := os.Open(path)
	if err != nil {
		return nil, 0, &NetworkError{URL: u.String(), Err: err}
	}

	info, err := handle.Stat()
	if err != nil {
		handle.Close()
		return nil, 0, &NetworkError{URL: u.String(), Err: err}
	}

	if info.IsDir() {
		handle.Close()
		return nil, 0, &NetworkError{URL: u.String(), Err: eris.Errorf("%s is a directory", path)}
	}

	size := info.Size()
	if !info.Mode().IsRegular() {
		size = -1
	}

	return handle, size, nil
}

// S3Transport reads s3://bucket/key URLs from an S3 compatible object store.
// Credentials are taken from the AWS_* or MINIO_* environment variables.
type S3Transport struct {
	Endpoint string
	Region   string
	Secure   bool

	once   sync.Once
	client *minio.Client
	err    error
}

func (t *S3Transport) getClient() (*minio.Client, error) {
	t.once.Do(func() {
		if t.Endpoint == "" {
			t.err = eris.New("no S3 endpoint configured (set s3.endpoint)")
			return
		}

		t.client, t.err = minio.New(t.Endpoint, &minio.Options{
			Creds: credentials.NewChainCredentials([]credentials.Provider{
				&credentials.EnvAWS{},
				&credentials.EnvMinio{},
			}),
			Secure: t.Secure,
			Region: t.Region,
		})
	})

	return t.client, t.err
}

func (t *S3Transport) Open(ctx context.Context, u *url.URL) (io.ReadCloser, int64, error) {
	client, err := t.getClient()
	if err != nil {
		return nil, 0, &NetworkError{URL: u.String(), Err: err}
	}

	bucket := u.Host
	key := strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return nil, 0, &NetworkError{URL: u.String(), Err: eris.New("expected s3://bucket/key")}
	}

	obj, err := client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, &NetworkError{URL: u.String(), Err: err, Temporary: true}
	}

	info, err := obj.Stat()
	if err != nil {
		obj.Close()

		resp := minio.ToErrorResponse(err)
		temporary := resp.StatusCode == 0 || resp.StatusCode >= 500
		return nil, 0, &NetworkError{URL: u.String(), Err: err, Temporary: temporary}
	}

	return obj, info.Size, nil
}
