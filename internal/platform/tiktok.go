package platform

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/maheshrc27/postflow/internal/transfer"
	"github.com/maheshrc27/postflow/pkg/utils"
	"go.uber.org/zap"
)

const tiktokAPI = "https://open.tiktokapis.com"

const tiktokDefaultPrivacy = "PUBLIC_TO_EVERYONE"

// tiktok error codes that are worth another attempt later.
var tiktokRetryableCodes = map[string]bool{
	"rate_limit_exceeded":      true,
	"spam_risk_too_many_posts": true,
	"internal_error":           true,
}

type tiktokClient struct {
	api          *apiClient
	base         string
	clientKey    string
	clientSecret string
}

func NewTikTokClient(opts Options) Client {
	return &tiktokClient{
		api:          newAPIClient(TikTok, opts),
		base:         opts.baseURL(tiktokAPI),
		clientKey:    opts.ClientID,
		clientSecret: opts.ClientSecret,
	}
}

func (c *tiktokClient) Name() string { return TikTok }

func (c *tiktokClient) Publish(ctx context.Context, creds Credentials, content Content) (*PublishResult, error) {
	if len(content.Media) == 0 {
		return nil, Permanent(TikTok, "post has no media", nil)
	}
	token := creds.AccessToken.Reveal()

	privacy, err := c.privacyLevel(ctx, token)
	if err != nil {
		return nil, err
	}

	var path string
	var payload any
	if content.PostType == "multiple" || !content.Media[0].IsVideo() {
		photos := make([]string, 0, len(content.Media))
		for _, m := range content.Media {
			photos = append(photos, m.URL)
		}
		path = "/v2/post/publish/content/init/"
		payload = transfer.PhotoUploadRequest{
			PostInfo: transfer.PhotoPostInfo{
				Title:        content.Title,
				Description:  content.Caption,
				PrivacyLevel: privacy,
				AutoAddMusic: true,
			},
			SourceInfo: transfer.PhotoSourceInfo{
				Source:      "PULL_FROM_URL",
				PhotoImages: photos,
			},
			PostMode:  "DIRECT_POST",
			MediaType: "PHOTO",
		}
	} else {
		path = "/v2/post/publish/video/init/"
		payload = transfer.VideoUploadRequest{
			PostInfo: transfer.VideoPostInfo{
				Title:                 content.Caption,
				PrivacyLevel:          privacy,
				VideoCoverTimestampMs: 1000,
			},
			SourceInfo: transfer.VideoSourceInfo{
				Source:   "PULL_FROM_URL",
				VideoURL: content.Media[0].URL,
			},
		}
	}

	var result transfer.TikTokUploadResponse
	raw, err := c.api.postJSON(ctx, c.base+path, token, payload, &result)
	if err != nil {
		return nil, tiktokError(raw, err)
	}
	if err := checkTiktokError(result.Error); err != nil {
		return nil, err
	}
	if result.Data.PublishID == "" {
		return nil, Permanent(TikTok, "no publish id returned", nil)
	}

	c.api.logger.Info("tiktok publish accepted",
		zap.Int64("post_id", content.PostID),
		zap.String("publish_id", result.Data.PublishID))

	return &PublishResult{ContentID: result.Data.PublishID, Response: raw}, nil
}

// privacyLevel asks TikTok which privacy levels the creator may post
// with and prefers a public post.
func (c *tiktokClient) privacyLevel(ctx context.Context, token string) (string, error) {
	var info transfer.TiktokCreatorInfoResponse
	raw, err := c.api.postJSON(ctx, c.base+"/v2/post/publish/creator_info/query/", token, struct{}{}, &info)
	if err != nil {
		return "", tiktokError(raw, err)
	}
	if err := checkTiktokError(info.Error); err != nil {
		return "", err
	}

	options := info.Data.PrivacyLevelOptions
	for _, option := range options {
		if option == tiktokDefaultPrivacy {
			return option, nil
		}
	}
	if len(options) > 0 {
		return options[0], nil
	}
	return tiktokDefaultPrivacy, nil
}

// Refresh exchanges the refresh token. TikTok may or may not hand back a
// new refresh token; an unchanged one is reported as not rotated.
func (c *tiktokClient) Refresh(ctx context.Context, refreshToken utils.Secret) (*RefreshedToken, error) {
	data := url.Values{}
	data.Set("client_key", c.clientKey)
	data.Set("client_secret", c.clientSecret)
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken.Reveal())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/v2/oauth/token/", strings.NewReader(data.Encode()))
	if err != nil {
		return nil, RefreshFailed(TikTok, "build request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var token transfer.TiktokTokenResponse
	if _, err := c.api.do(req, &token); err != nil {
		return nil, RefreshFailed(TikTok, "token endpoint", err)
	}
	if token.Error != "" || token.AccessToken == "" {
		msg := token.Error
		if token.ErrorDescription != "" {
			msg += ": " + token.ErrorDescription
		}
		return nil, RefreshFailed(TikTok, msg, nil)
	}

	refreshed := &RefreshedToken{
		AccessToken: utils.NewSecret(token.AccessToken),
		ExpiresIn:   expiresIn(int64(token.ExpiresIn)),
	}
	if token.RefreshToken != "" && token.RefreshToken != refreshToken.Reveal() {
		refreshed.RefreshToken = utils.NewSecret(token.RefreshToken)
	}
	return refreshed, nil
}

func checkTiktokError(e transfer.TiktokError) error {
	if e.Code == "" || e.Code == "ok" {
		return nil
	}
	kind := KindPermanent
	if tiktokRetryableCodes[e.Code] {
		kind = KindRetryable
	}
	return &Error{Kind: kind, Platform: TikTok, Message: e.Code + ": " + e.Message}
}

// tiktokError prefers the error code in the body over the bare status.
func tiktokError(raw []byte, err error) error {
	var perr *Error
	if len(raw) == 0 || !errors.As(err, &perr) {
		return err
	}
	var body transfer.TikTokUploadResponse
	if json.Unmarshal(raw, &body) != nil {
		return err
	}
	checked := checkTiktokError(body.Error)
	if checked == nil {
		return err
	}
	coded := checked.(*Error)
	coded.StatusCode = perr.StatusCode
	if perr.Kind == KindRetryable {
		coded.Kind = KindRetryable
	}
	return coded
}
