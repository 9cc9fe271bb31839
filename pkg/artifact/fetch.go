package artifact

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"

	"github.com/kolonialno/sacar/pkg/release"
)

// Fetcher downloads an artifact to a local file. Implementations wrap
// failures in TransportError when a retry could plausibly succeed.
type Fetcher interface {
	Fetch(ctx context.Context, ref, dest string) error
}

// MultiFetcher dispatches on the artifactRef URL scheme.
type MultiFetcher map[string]Fetcher

func (m MultiFetcher) Fetch(ctx context.Context, ref, dest string) error {
	u, err := url.Parse(ref)
	if err != nil {
		return errors.Wrapf(err, "unparseable artifact ref %q", ref)
	}
	f, ok := m[u.Scheme]
	if !ok {
		return errors.Errorf("no fetcher for artifact scheme %q", u.Scheme)
	}
	return f.Fetch(ctx, ref, dest)
}

// DefaultFetchers covers the refs the build pipeline emits: https
// object-store URLs and s3 buckets.
func DefaultFetchers(token string) MultiFetcher {
	httpFetcher := &HTTPFetcher{Token: token}
	return MultiFetcher{
		"http":  httpFetcher,
		"https": httpFetcher,
		"s3":    &S3Fetcher{},
	}
}

// HTTPFetcher downloads over HTTP(S), with an optional bearer token
// (the original bucket store authenticated downloads this way).
type HTTPFetcher struct {
	Client *http.Client
	Token  string
}

func (f *HTTPFetcher) Fetch(ctx context.Context, ref, dest string) error {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, "GET", ref, nil)
	if err != nil {
		return errors.Wrap(err, "constructing download request")
	}
	if f.Token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", f.Token))
	}
	resp, err := client.Do(req)
	if err != nil {
		return release.TransportError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := errors.Errorf("artifact download returned %s", resp.Status)
		if resp.StatusCode >= 500 {
			return release.TransportError(err)
		}
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return errors.Wrap(err, "creating download target")
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(dest)
		return release.TransportError(errors.Wrap(err, "downloading artifact"))
	}
	return out.Close()
}

// S3Fetcher downloads s3://bucket/key refs using the SDK's concurrent
// downloader.
type S3Fetcher struct {
	// Downloader may be pre-configured; when nil a session from the
	// ambient AWS config is created on first use.
	Downloader interface {
		DownloadWithContext(ctx aws.Context, w io.WriterAt, input *s3.GetObjectInput, options ...func(*s3manager.Downloader)) (int64, error)
	}
}

func (f *S3Fetcher) Fetch(ctx context.Context, ref, dest string) error {
	u, err := url.Parse(ref)
	if err != nil {
		return errors.Wrapf(err, "unparseable artifact ref %q", ref)
	}
	if f.Downloader == nil {
		sess, err := session.NewSessionWithOptions(session.Options{SharedConfigState: session.SharedConfigEnable})
		if err != nil {
			return errors.Wrap(err, "configuring S3 session")
		}
		f.Downloader = s3manager.NewDownloader(sess)
	}
	out, err := os.Create(dest)
	if err != nil {
		return errors.Wrap(err, "creating download target")
	}
	defer out.Close()
	_, err = f.Downloader.DownloadWithContext(ctx, out, &s3.GetObjectInput{
		Bucket: aws.String(u.Host),
		Key:    aws.String(strings.TrimPrefix(u.Path, "/")),
	})
	if err != nil {
		os.Remove(dest)
		return release.TransportError(errors.Wrap(err, "downloading artifact from S3"))
	}
	return nil
}
