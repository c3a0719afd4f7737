package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/h2non/filetype"
	cfg "github.com/maheshrc27/postflow/configs"
	"github.com/maheshrc27/postflow/internal/platform"
	"github.com/maheshrc27/postflow/internal/repository"
)

const mediaSource = "media"

type ObjectPresigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// MediaService turns the assets attached to a post into URLs a platform
// can pull from.
type MediaService interface {
	Resolve(ctx context.Context, postID int64) ([]platform.Media, error)
}

type mediaService struct {
	pm        repository.PostMediaRepository
	presigner ObjectPresigner
	bucket    string
	expiry    time.Duration
}

// NewMediaService resolves asset URLs through presigner. With a nil
// presigner the stored file URLs are handed out unchanged.
func NewMediaService(pm repository.PostMediaRepository, presigner ObjectPresigner, bucket string, expiry time.Duration) MediaService {
	if expiry <= 0 {
		expiry = 2 * time.Hour
	}
	return &mediaService{pm: pm, presigner: presigner, bucket: bucket, expiry: expiry}
}

func NewR2Client(ctx context.Context, r2 cfg.R2) (*s3.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(r2.AccessKey, r2.SecretKey, "")),
		config.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("load r2 config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(fmt.Sprintf("https://%s.r2.cloudflarestorage.com", r2.AccountID))
	}), nil
}

func (s *mediaService) Resolve(ctx context.Context, postID int64) ([]platform.Media, error) {
	assets, err := s.pm.ListAssets(ctx, postID)
	if err != nil {
		return nil, platform.Retryable(mediaSource, "load post media", err)
	}
	if len(assets) == 0 {
		return nil, platform.Permanent(mediaSource, fmt.Sprintf("post %d has no media", postID), nil)
	}

	media := make([]platform.Media, 0, len(assets))
	for _, asset := range assets {
		if !filetype.IsMIMESupported(asset.FileType) {
			return nil, platform.Permanent(mediaSource, fmt.Sprintf("asset %d has unsupported type %q", asset.ID, asset.FileType), nil)
		}

		link, err := s.link(ctx, asset.FileURL)
		if err != nil {
			return nil, err
		}
		media = append(media, platform.Media{URL: link, MIMEType: asset.FileType})
	}
	return media, nil
}

// link presigns the object behind fileURL. The stored value is either
// the object key or a URL whose path is the key.
func (s *mediaService) link(ctx context.Context, fileURL string) (string, error) {
	if s.presigner == nil || s.bucket == "" {
		return fileURL, nil
	}

	key := fileURL
	if u, err := url.Parse(fileURL); err == nil && u.IsAbs() {
		key = u.Path
	}
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return "", platform.Permanent(mediaSource, "asset has no object key", nil)
	}

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.expiry))
	if err != nil {
		return "", platform.Retryable(mediaSource, "presign media url", err)
	}
	return req.URL, nil
}
