package azure

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
)

// copyPollInterval is how often a pending server-side copy is checked.
const copyPollInterval = 200 * time.Millisecond

// containerClient implements Container on the Azure SDK.
type containerClient struct {
	c *container.Client
}

// NewContainer wraps an SDK container client.
func NewContainer(c *container.Client) Container {
	return &containerClient{c: c}
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func fromPtrMap(m map[string]*string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = deref(v)
	}
	return out
}

func toPtrMap(m map[string]string) map[string]*string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]*string, len(m))
	for k, v := range m {
		out[k] = &v
	}
	return out
}

func etag(e *azcore.ETag) string {
	if e == nil {
		return ""
	}
	return string(*e)
}

func itemProperties(b *container.BlobItem) Properties {
	p := Properties{Name: deref(b.Name), Metadata: fromPtrMap(b.Metadata)}
	if bp := b.Properties; bp != nil {
		p.Size = deref(bp.ContentLength)
		p.ModTime = deref(bp.LastModified)
		p.Created = deref(bp.CreationTime)
		p.ContentType = deref(bp.ContentType)
		p.MD5 = bp.ContentMD5
		p.ETag = etag(bp.ETag)
	}
	return p
}

func (c *containerClient) Exists(ctx context.Context) error {
	_, err := c.c.GetProperties(ctx, nil)
	return err
}

func (c *containerClient) Properties(ctx context.Context, name string) (*Properties, error) {
	resp, err := c.c.NewBlobClient(name).GetProperties(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Properties{
		Name:        name,
		Size:        deref(resp.ContentLength),
		ModTime:     deref(resp.LastModified),
		Created:     deref(resp.CreationTime),
		ContentType: deref(resp.ContentType),
		MD5:         resp.ContentMD5,
		ETag:        etag(resp.ETag),
		Metadata:    fromPtrMap(resp.Metadata),
	}, nil
}

func (c *containerClient) ListHierarchy(ctx context.Context, prefix string) ([]Properties, []string, error) {
	opts := &container.ListBlobsHierarchyOptions{
		Include: container.ListBlobsInclude{Metadata: true},
	}
	if prefix != "" {
		opts.Prefix = &prefix
	}
	pager := c.c.NewListBlobsHierarchyPager("/", opts)
	var blobs []Properties
	var prefixes []string
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, nil, err
		}
		for _, p := range resp.Segment.BlobPrefixes {
			prefixes = append(prefixes, deref(p.Name))
		}
		for _, b := range resp.Segment.BlobItems {
			blobs = append(blobs, itemProperties(b))
		}
	}
	return blobs, prefixes, nil
}

func (c *containerClient) ListFlat(ctx context.Context, prefix string) ([]Properties, error) {
	opts := &container.ListBlobsFlatOptions{}
	if prefix != "" {
		opts.Prefix = &prefix
	}
	pager := c.c.NewListBlobsFlatPager(opts)
	var blobs []Properties
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, b := range resp.Segment.BlobItems {
			blobs = append(blobs, itemProperties(b))
		}
	}
	return blobs, nil
}

func (c *containerClient) Download(ctx context.Context, name string, offset, count int64) (io.ReadCloser, error) {
	resp, err := c.c.NewBlobClient(name).DownloadStream(ctx, &blob.DownloadStreamOptions{
		Range: blob.HTTPRange{Offset: offset, Count: count},
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *containerClient) Upload(ctx context.Context, name string, r io.Reader, contentType string, meta map[string]string) (*Properties, error) {
	_, err := c.c.NewBlockBlobClient(name).UploadStream(ctx, r, &blockblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
		Metadata:    toPtrMap(meta),
	})
	if err != nil {
		return nil, err
	}
	return c.Properties(ctx, name)
}

// Copy runs a server-side copy and waits for it to finish. A read SAS is
// used for the source when the client holds a shared key.
func (c *containerClient) Copy(ctx context.Context, dst, src string) error {
	srcClient := c.c.NewBlobClient(src)
	srcURL, err := srcClient.GetSASURL(sas.BlobPermissions{Read: true}, time.Now().Add(15*time.Minute), nil)
	if err != nil {
		srcURL = srcClient.URL()
	}
	dstClient := c.c.NewBlobClient(dst)
	resp, err := dstClient.StartCopyFromURL(ctx, srcURL, nil)
	if err != nil {
		return err
	}
	status := deref(resp.CopyStatus)
	for status == blob.CopyStatusTypePending {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(copyPollInterval):
		}
		props, err := dstClient.GetProperties(ctx, nil)
		if err != nil {
			return err
		}
		status = deref(props.CopyStatus)
	}
	if status != blob.CopyStatusTypeSuccess && status != "" {
		return fmt.Errorf("copy of %s ended with status %s", src, status)
	}
	return nil
}

func (c *containerClient) SetMetadata(ctx context.Context, name string, meta map[string]string) error {
	_, err := c.c.NewBlobClient(name).SetMetadata(ctx, toPtrMap(meta), nil)
	return err
}

func (c *containerClient) StageBlock(ctx context.Context, name, blockID string, data []byte) error {
	_, err := c.c.NewBlockBlobClient(name).StageBlock(ctx, blockID, streaming.NopCloser(bytes.NewReader(data)), nil)
	return err
}

func (c *containerClient) CommitBlocks(ctx context.Context, name string, blockIDs []string) error {
	_, err := c.c.NewBlockBlobClient(name).CommitBlockList(ctx, blockIDs, nil)
	return err
}

func (c *containerClient) Delete(ctx context.Context, name string) error {
	_, err := c.c.NewBlobClient(name).Delete(ctx, nil)
	return err
}

var _ Container = (*containerClient)(nil)
