package attachments

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"guildlog/internal/config"
	"guildlog/internal/events"
)

var ErrTooLarge = errors.New("attachments: file exceeds archive size limit")

var unsafeKeyChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Archiver copies attachment bytes somewhere that outlives the CDN URL.
type Archiver interface {
	Archive(ctx context.Context, key string, attachment events.Attachment) error
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver downloads an attachment while its URL is live and stores it in
// an S3-compatible bucket.
type S3Archiver struct {
	client   objectPutter
	http     *http.Client
	bucket   string
	maxBytes int64
}

func NewS3Archiver(ctx context.Context, cfg config.ArchiveConfig) (*S3Archiver, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Archiver{
		client:   client,
		http:     &http.Client{Timeout: 60 * time.Second},
		bucket:   cfg.Bucket,
		maxBytes: cfg.MaxBytes,
	}, nil
}

func (a *S3Archiver) Archive(ctx context.Context, key string, attachment events.Attachment) error {
	if a.maxBytes > 0 && attachment.Size > a.maxBytes {
		return ErrTooLarge
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, attachment.URL, nil)
	if err != nil {
		return err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetch attachment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch attachment: status %d", resp.StatusCode)
	}

	reader := io.Reader(resp.Body)
	if a.maxBytes > 0 {
		reader = io.LimitReader(resp.Body, a.maxBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("read attachment: %w", err)
	}
	if a.maxBytes > 0 && int64(len(data)) > a.maxBytes {
		return ErrTooLarge
	}

	contentType := attachment.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata:    objectMetadata(attachment, data),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// objectMetadata records the original filename and, for images, the pixel
// dimensions. Dimensions missing from the platform payload are read from the
// image header.
func objectMetadata(attachment events.Attachment, data []byte) map[string]string {
	meta := map[string]string{"filename": attachment.Filename}
	if attachment.ID != "" {
		meta["attachment-id"] = attachment.ID
	}
	width, height := attachment.Width, attachment.Height
	if (width == 0 || height == 0) && Categorize(attachment.Filename, attachment.ContentType) == CategoryImages {
		if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
			width, height = cfg.Width, cfg.Height
		}
	}
	if width > 0 && height > 0 {
		meta["width"] = strconv.Itoa(width)
		meta["height"] = strconv.Itoa(height)
	}
	return meta
}

// ObjectKey builds a stable key: prefix/guild/channel/message/attachment-filename.
func ObjectKey(prefix, guildID, channelID, messageID string, attachment events.Attachment) string {
	name := unsafeKeyChars.ReplaceAllString(attachment.Filename, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		name = "file"
	}
	return path.Join(prefix, guildID, channelID, messageID, attachment.ID+"-"+name)
}
