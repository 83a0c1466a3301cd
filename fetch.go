package demparquet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var errSizeMismatch = errors.New("size mismatch")

// An ObjectGetter gets objects. It is implemented by *s3.Client.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// A Fetcher downloads objects into a local directory.
type Fetcher struct {
	client ObjectGetter
	bucket string
	dir    string
}

// A FetchResult is the result of a fetch.
type FetchResult struct {
	Filename string
	Skipped  bool
	Bytes    int64
}

// NewFetcher returns a new Fetcher that downloads objects from bucket into
// dir.
func NewFetcher(client ObjectGetter, bucket, dir string) *Fetcher {
	return &Fetcher{
		client: client,
		bucket: bucket,
		dir:    dir,
	}
}

// LocalFilename returns the local filename for key.
func (f *Fetcher) LocalFilename(key string) string {
	return filepath.Join(f.dir, path.Base(key))
}

// Fetch downloads object. If a file of the expected size already exists then
// nothing is downloaded.
func (f *Fetcher) Fetch(ctx context.Context, object RemoteObject) (FetchResult, error) {
	filename := f.LocalFilename(object.Key)
	switch fileInfo, err := os.Stat(filename); {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return FetchResult{}, &StageError{Key: object.Key, Stage: StageFetch, Err: err}
	case fileInfo.Mode().IsRegular() && fileInfo.Size() == object.Size:
		stageOutcomesTotal.WithLabelValues(string(StageFetch), outcomeSkipped).Inc()
		return FetchResult{Filename: filename, Skipped: true}, nil
	}

	start := time.Now()
	n, err := f.download(ctx, object, filename)
	if err != nil {
		stageOutcomesTotal.WithLabelValues(string(StageFetch), outcomeFailed).Inc()
		return FetchResult{}, &StageError{Key: object.Key, Stage: StageFetch, Err: err}
	}
	stageDurationSeconds.WithLabelValues(string(StageFetch)).Observe(time.Since(start).Seconds())
	stageOutcomesTotal.WithLabelValues(string(StageFetch), outcomeFetched).Inc()
	fetchedBytesTotal.Add(float64(n))
	return FetchResult{Filename: filename, Bytes: n}, nil
}

// download streams object into a temporary file next to filename and renames
// it into place once it is complete.
func (f *Fetcher) download(ctx context.Context, object RemoteObject, filename string) (int64, error) {
	output, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(object.Key),
	})
	if err != nil {
		return 0, err
	}
	defer output.Body.Close()

	if contentLength := aws.ToInt64(output.ContentLength); output.ContentLength != nil && contentLength != object.Size {
		return 0, fmt.Errorf("%w: listed %d bytes, got %d", errSizeMismatch, object.Size, contentLength)
	}

	return writeFileAtomic(filename, func(w io.Writer) (int64, error) {
		n, err := io.Copy(w, output.Body)
		if err != nil {
			return n, err
		}
		if n != object.Size {
			return n, fmt.Errorf("%w: listed %d bytes, read %d", errSizeMismatch, object.Size, n)
		}
		return n, nil
	})
}

// writeFileAtomic calls write with a temporary file in the same directory
// as filename and renames it to filename only if write succeeds.
func writeFileAtomic(filename string, write func(io.Writer) (int64, error)) (int64, error) {
	dir, base := filepath.Split(filename)
	file, err := os.CreateTemp(dir, "."+base+".*.part")
	if err != nil {
		return 0, err
	}
	ok := false
	defer func() {
		if !ok {
			_ = file.Close()
			_ = os.Remove(file.Name())
		}
	}()

	n, err := write(file)
	if err != nil {
		return n, err
	}
	if err := file.Sync(); err != nil {
		return n, err
	}
	if err := file.Close(); err != nil {
		return n, err
	}
	if err := os.Rename(file.Name(), filename); err != nil {
		return n, err
	}

	ok = true
	return n, nil
}
