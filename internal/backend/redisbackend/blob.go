package redisbackend

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/redis/go-redis/v9"

	"murmur/internal/backend"
	"murmur/internal/observability"
)

const blobChunkSize = 32 * 1024

// UploadBlob streams r into the blob store at path, reporting percentage
// progress when size is known. On any error the partial blob is deleted,
// so no message can end up referencing a half-written attachment.
func (c *Client) UploadBlob(
	ctx context.Context,
	path string,
	r io.Reader,
	size int64,
	onProgress func(percent int),
) (string, error) {
	ctx, span := observability.TraceGatewayOperation(ctx, "upload_blob", path)
	defer span.End()

	if c.isClosed() {
		return "", backend.ErrClosed
	}

	key := blobPrefix + path
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return "", err
	}

	abort := func(cause error) (string, error) {
		_ = c.rdb.Del(context.WithoutCancel(ctx), key).Err()
		span.RecordError(cause)
		observability.BackendErrorRate.WithLabelValues("upload_blob").Inc()
		return "", cause
	}

	buf := make([]byte, blobChunkSize)
	var written int64
	lastPercent := -1
	for {
		if err := ctx.Err(); err != nil {
			return abort(err)
		}
		n, err := r.Read(buf)
		if n > 0 {
			if aerr := c.rdb.Append(ctx, key, string(buf[:n])).Err(); aerr != nil {
				return abort(aerr)
			}
			written += int64(n)
			if size > 0 && onProgress != nil {
				percent := int(written * 100 / size)
				if percent > 100 {
					percent = 100
				}
				if percent != lastPercent {
					lastPercent = percent
					onProgress(percent)
				}
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return abort(err)
		}
	}

	if onProgress != nil && lastPercent != 100 {
		onProgress(100)
	}
	observability.UploadBytes.Add(float64(written))

	return "redis://" + path, nil
}

// DownloadBlob resolves a URL returned by UploadBlob back to its bytes.
func (c *Client) DownloadBlob(ctx context.Context, url string) ([]byte, error) {
	if c.isClosed() {
		return nil, backend.ErrClosed
	}
	path := strings.TrimPrefix(url, "redis://")
	raw, err := c.rdb.Get(ctx, blobPrefix+path).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, backend.ErrNotFound
	}
	return raw, err
}
