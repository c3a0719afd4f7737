package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/maheshrc27/postflow/internal/transfer"
	"github.com/maheshrc27/postflow/pkg/utils"
	"go.uber.org/zap"
)

const instagramAPI = "https://graph.instagram.com"

const instagramVersion = "v21.0"

// Graph API codes for throttling and temporary outages.
var instagramRetryableCodes = map[int]bool{1: true, 2: true, 4: true, 17: true, 32: true, 613: true, 9007: true}

type instagramClient struct {
	api  *apiClient
	base string
}

func NewInstagramClient(opts Options) Client {
	return &instagramClient{
		api:  newAPIClient(Instagram, opts),
		base: opts.baseURL(instagramAPI),
	}
}

func (c *instagramClient) Name() string { return Instagram }

// Publish creates a media container (or one per carousel item plus the
// carousel itself) and then publishes it.
func (c *instagramClient) Publish(ctx context.Context, creds Credentials, content Content) (*PublishResult, error) {
	if len(content.Media) == 0 {
		return nil, Permanent(Instagram, "post has no media", nil)
	}
	token := creds.AccessToken.Reveal()
	mediaURL := fmt.Sprintf("%s/%s/%s/media", c.base, instagramVersion, creds.ExternalID)

	var containerID string
	var err error
	if len(content.Media) == 1 {
		req := containerRequest(content.Media[0], token)
		req.Caption = content.Caption
		containerID, err = c.createContainer(ctx, mediaURL, req)
	} else {
		children := make([]string, 0, len(content.Media))
		for _, m := range content.Media {
			req := containerRequest(m, token)
			req.IsCarouselItem = true
			childID, err := c.createContainer(ctx, mediaURL, req)
			if err != nil {
				return nil, err
			}
			children = append(children, childID)
		}
		containerID, err = c.createContainer(ctx, mediaURL, transfer.InstagramContainerRequest{
			MediaType:   "CAROUSEL",
			Caption:     content.Caption,
			Children:    children,
			AccessToken: token,
		})
	}
	if err != nil {
		return nil, err
	}

	publishURL := fmt.Sprintf("%s/%s/%s/media_publish", c.base, instagramVersion, creds.ExternalID)
	var published transfer.InstagramIDResponse
	raw, err := c.api.postJSON(ctx, publishURL, "", transfer.InstagramPublishRequest{
		CreationID:  containerID,
		AccessToken: token,
	}, &published)
	if err != nil {
		return nil, instagramError(raw, err)
	}
	if published.ID == "" {
		return nil, Permanent(Instagram, "no media id returned from publish", nil)
	}

	c.api.logger.Info("instagram media published",
		zap.Int64("post_id", content.PostID),
		zap.String("media_id", published.ID))

	return &PublishResult{ContentID: published.ID, Response: raw}, nil
}

func containerRequest(m Media, token string) transfer.InstagramContainerRequest {
	req := transfer.InstagramContainerRequest{AccessToken: token}
	if m.IsVideo() {
		req.VideoURL = m.URL
		req.MediaType = "REELS"
	} else {
		req.ImageURL = m.URL
	}
	return req
}

func (c *instagramClient) createContainer(ctx context.Context, endpoint string, req transfer.InstagramContainerRequest) (string, error) {
	var container transfer.InstagramIDResponse
	raw, err := c.api.postJSON(ctx, endpoint, "", req, &container)
	if err != nil {
		return "", instagramError(raw, err)
	}
	if container.ID == "" {
		return "", Permanent(Instagram, "no container id returned", nil)
	}
	return container.ID, nil
}

// Refresh extends a long-lived token. Instagram refreshes the token
// itself, so the new token replaces both stored values.
func (c *instagramClient) Refresh(ctx context.Context, refreshToken utils.Secret) (*RefreshedToken, error) {
	query := url.Values{}
	query.Set("grant_type", "ig_refresh_token")
	query.Set("access_token", refreshToken.Reveal())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/refresh_access_token?"+query.Encode(), nil)
	if err != nil {
		return nil, RefreshFailed(Instagram, "build request", err)
	}

	var result transfer.InstagramRefreshResponse
	raw, err := c.api.do(req, &result)
	if err != nil {
		return nil, RefreshFailed(Instagram, "refresh endpoint", instagramError(raw, err))
	}
	if result.AccessToken == "" {
		return nil, RefreshFailed(Instagram, "no access token returned", nil)
	}

	token := utils.NewSecret(result.AccessToken)
	return &RefreshedToken{
		AccessToken:  token,
		RefreshToken: token,
		ExpiresIn:    expiresIn(result.ExpiresIn),
	}, nil
}

func instagramError(raw []byte, err error) error {
	var perr *Error
	if len(raw) == 0 || !errors.As(err, &perr) {
		return err
	}
	var body transfer.InstagramErrorResponse
	if json.Unmarshal(raw, &body) != nil || body.Error.Message == "" {
		return err
	}

	kind := perr.Kind
	if body.Error.IsTransient || instagramRetryableCodes[body.Error.Code] {
		kind = KindRetryable
	}
	return &Error{
		Kind:       kind,
		Platform:   Instagram,
		StatusCode: perr.StatusCode,
		Message:    fmt.Sprintf("%s (code %d)", body.Error.Message, body.Error.Code),
	}
}
