package demparquet

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var errMissingContinuationToken = errors.New("truncated listing without continuation token")

// An ObjectLister lists objects. It is implemented by *s3.Client.
type ObjectLister interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// A RemoteObject is an object in the catalog.
type RemoteObject struct {
	Key  string
	Size int64
}

// A Catalog lists the tiles under a bucket and prefix.
type Catalog struct {
	client  ObjectLister
	bucket  string
	prefix  string
	maxKeys int32
}

// A CatalogOption sets an option on a Catalog.
type CatalogOption func(*Catalog)

// NewCatalog returns a new Catalog that lists objects in bucket with client.
func NewCatalog(client ObjectLister, bucket string, options ...CatalogOption) *Catalog {
	c := &Catalog{
		client: client,
		bucket: bucket,
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// WithPrefix restricts the listing to keys starting with prefix.
func WithPrefix(prefix string) CatalogOption {
	return func(c *Catalog) {
		c.prefix = prefix
	}
}

// WithMaxKeys sets the page size requested from the server. Zero means the
// server's default.
func WithMaxKeys(maxKeys int32) CatalogOption {
	return func(c *Catalog) {
		c.maxKeys = maxKeys
	}
}

// List returns every object in the catalog, in the server's page order. If
// region is not nil then only tiles in region are returned.
func (c *Catalog) List(ctx context.Context, region *Region) ([]RemoteObject, error) {
	var objects []RemoteObject
	err := c.Walk(ctx, func(object RemoteObject) error {
		if region != nil {
			tileCoord, ok := ParseTileCoord(object.Key)
			if !ok || !region.Matches(tileCoord) {
				listedObjectsTotal.WithLabelValues(outcomeIgnored).Inc()
				return nil
			}
		}
		listedObjectsTotal.WithLabelValues(outcomeKept).Inc()
		objects = append(objects, object)
		return nil
	})
	return objects, err
}

// Walk calls f for every object in the catalog, one page at a time. It stops
// at the first error returned by f.
func (c *Catalog) Walk(ctx context.Context, f func(RemoteObject) error) error {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
	}
	if c.prefix != "" {
		input.Prefix = aws.String(c.prefix)
	}
	if c.maxKeys > 0 {
		input.MaxKeys = aws.Int32(c.maxKeys)
	}
	for {
		output, err := c.client.ListObjectsV2(ctx, input)
		if err != nil {
			return &StageError{Key: c.bucket + "/" + c.prefix, Stage: StageList, Err: err}
		}
		listPagesTotal.Inc()
		for _, object := range output.Contents {
			if err := f(RemoteObject{
				Key:  aws.ToString(object.Key),
				Size: aws.ToInt64(object.Size),
			}); err != nil {
				return err
			}
		}
		if !aws.ToBool(output.IsTruncated) {
			return nil
		}
		if aws.ToString(output.NextContinuationToken) == "" {
			return &StageError{Key: c.bucket + "/" + c.prefix, Stage: StageList, Err: errMissingContinuationToken}
		}
		input.ContinuationToken = output.NextContinuationToken
	}
}

func (o RemoteObject) String() string {
	return fmt.Sprintf("%s (%d bytes)", o.Key, o.Size)
}
