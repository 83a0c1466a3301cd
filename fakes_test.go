package demparquet

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const defaultFakePageSize = 1000

// A fakeBucket is an in-memory bucket that implements ObjectLister and
// ObjectGetter. Continuation tokens are the index of the next key.
type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	// listedSizes overrides the sizes returned by ListObjectsV2.
	listedSizes map[string]int64

	pageSize             int
	listErr              error
	omitToken            bool
	omitContentLength    bool
	getDelay             time.Duration
	continuationTokens   []string
	listCalls            atomic.Int64
	getObjectCalls       atomic.Int64
	getObjectsRunning    atomic.Int64
	maxGetObjectsRunning atomic.Int64
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{
		objects:     make(map[string][]byte),
		listedSizes: make(map[string]int64),
	}
}

func (b *fakeBucket) put(key string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
}

func (b *fakeBucket) sortedKeys(prefix string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.objects))
	for key := range b.objects {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func (b *fakeBucket) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	b.listCalls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.listErr != nil {
		return nil, b.listErr
	}

	b.mu.Lock()
	b.continuationTokens = append(b.continuationTokens, aws.ToString(params.ContinuationToken))
	b.mu.Unlock()

	keys := b.sortedKeys(aws.ToString(params.Prefix))
	start := 0
	if token := aws.ToString(params.ContinuationToken); token != "" {
		var err error
		if start, err = strconv.Atoi(token); err != nil {
			return nil, err
		}
	}
	pageSize := b.pageSize
	if pageSize == 0 {
		pageSize = defaultFakePageSize
	}
	if maxKeys := int(aws.ToInt32(params.MaxKeys)); maxKeys > 0 && maxKeys < pageSize {
		pageSize = maxKeys
	}
	end := min(start+pageSize, len(keys))

	output := &s3.ListObjectsV2Output{
		KeyCount:    aws.Int32(int32(end - start)),
		IsTruncated: aws.Bool(end < len(keys)),
	}
	b.mu.Lock()
	for _, key := range keys[start:end] {
		size := int64(len(b.objects[key]))
		if listedSize, ok := b.listedSizes[key]; ok {
			size = listedSize
		}
		output.Contents = append(output.Contents, types.Object{
			Key:  aws.String(key),
			Size: aws.Int64(size),
		})
	}
	b.mu.Unlock()
	if end < len(keys) && !b.omitToken {
		output.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return output, nil
}

func (b *fakeBucket) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	b.getObjectCalls.Add(1)
	running := b.getObjectsRunning.Add(1)
	defer b.getObjectsRunning.Add(-1)
	for {
		maxRunning := b.maxGetObjectsRunning.Load()
		if running <= maxRunning || b.maxGetObjectsRunning.CompareAndSwap(maxRunning, running) {
			break
		}
	}

	if b.getDelay != 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.getDelay):
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	data, ok := b.objects[aws.ToString(params.Key)]
	b.mu.Unlock()
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String(aws.ToString(params.Key))}
	}
	output := &s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader(data)),
	}
	if !b.omitContentLength {
		output.ContentLength = aws.Int64(int64(len(data)))
	}
	return output, nil
}
