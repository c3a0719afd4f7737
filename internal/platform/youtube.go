package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/maheshrc27/postflow/pkg/utils"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

type youtubeClient struct {
	api           *apiClient
	oauth         *oauth2.Config
	endpoint      string
	uploadTimeout time.Duration
}

// NewYouTubeClient uploads through the YouTube Data API. With a BaseURL
// set both the API and the token endpoint are served from it.
func NewYouTubeClient(opts Options) Client {
	endpoint := google.Endpoint
	if opts.BaseURL != "" {
		endpoint = oauth2.Endpoint{
			AuthURL:  opts.baseURL("") + "/o/oauth2/auth",
			TokenURL: opts.baseURL("") + "/token",
		}
	}

	uploadTimeout := opts.UploadTimeout
	if uploadTimeout <= 0 {
		uploadTimeout = 10 * time.Minute
	}

	return &youtubeClient{
		api: newAPIClient(YouTube, opts),
		oauth: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			Scopes:       []string{youtube.YoutubeUploadScope},
			Endpoint:     endpoint,
		},
		endpoint:      opts.BaseURL,
		uploadTimeout: uploadTimeout,
	}
}

func (c *youtubeClient) Name() string { return YouTube }

// Publish streams the first video of the post from its pull URL into a
// videos.insert upload.
func (c *youtubeClient) Publish(ctx context.Context, creds Credentials, content Content) (*PublishResult, error) {
	if len(content.Media) == 0 || !content.Media[0].IsVideo() {
		return nil, Permanent(YouTube, "youtube posts need a video", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout)
	defer cancel()

	if err := c.api.limiter.Wait(ctx); err != nil {
		return nil, Retryable(YouTube, "rate limiter", err)
	}

	source, err := c.openMedia(ctx, content.Media[0].URL)
	if err != nil {
		return nil, err
	}
	defer source.Body.Close()

	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: creds.AccessToken.Reveal(),
	}))
	svcOpts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if c.endpoint != "" {
		svcOpts = append(svcOpts, option.WithEndpoint(c.endpoint+"/"))
	}
	service, err := youtube.NewService(ctx, svcOpts...)
	if err != nil {
		return nil, Permanent(YouTube, "create youtube service", err)
	}

	title := content.Title
	if title == "" {
		title = utils.Truncate(content.Caption, 100)
	}
	video := &youtube.Video{
		Snippet: &youtube.VideoSnippet{
			Title:       title,
			Description: content.Caption,
			CategoryId:  "22",
		},
		Status: &youtube.VideoStatus{
			PrivacyStatus: "public",
		},
	}

	uploaded, err := service.Videos.Insert([]string{"snippet", "status"}, video).
		Media(source.Body).
		Context(ctx).
		Do()
	if err != nil {
		return nil, youtubeError(err)
	}

	c.api.logger.Info("youtube video uploaded",
		zap.Int64("post_id", content.PostID),
		zap.String("video_id", uploaded.Id))

	raw, _ := json.Marshal(map[string]string{
		"id":            uploaded.Id,
		"upload_status": uploadStatus(uploaded),
	})
	return &PublishResult{ContentID: uploaded.Id, Response: raw}, nil
}

func (c *youtubeClient) openMedia(ctx context.Context, mediaURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, Permanent(YouTube, "build media request", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: ClassifyTransport(err), Platform: YouTube, Message: "fetch media", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, statusError(YouTube, resp.StatusCode, "fetch media")
	}
	return resp, nil
}

func uploadStatus(v *youtube.Video) string {
	if v.Status == nil {
		return ""
	}
	return v.Status.UploadStatus
}

// Refresh uses the oauth2 token source. Google does not rotate refresh
// tokens, and the library echoes the old one back, so an unchanged value
// is reported as not rotated.
func (c *youtubeClient) Refresh(ctx context.Context, refreshToken utils.Secret) (*RefreshedToken, error) {
	if err := c.api.limiter.Wait(ctx); err != nil {
		return nil, RefreshFailed(YouTube, "rate limiter", err)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.api.http)
	token, err := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken.Reveal()}).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			msg := retrieveErr.ErrorCode
			if retrieveErr.ErrorDescription != "" {
				msg += ": " + retrieveErr.ErrorDescription
			}
			refreshErr := RefreshFailed(YouTube, msg, nil)
			if retrieveErr.Response != nil {
				refreshErr.StatusCode = retrieveErr.Response.StatusCode
			}
			return nil, refreshErr
		}
		return nil, RefreshFailed(YouTube, "token source", err)
	}

	refreshed := &RefreshedToken{AccessToken: utils.NewSecret(token.AccessToken)}
	if token.Expiry.IsZero() {
		refreshed.ExpiresIn = time.Hour
	} else {
		refreshed.ExpiresAt = token.Expiry.UTC()
	}
	if token.RefreshToken != "" && token.RefreshToken != refreshToken.Reveal() {
		refreshed.RefreshToken = utils.NewSecret(token.RefreshToken)
	}
	return refreshed, nil
}

func youtubeError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		kind := ClassifyStatus(gerr.Code)
		for _, item := range gerr.Errors {
			if item.Reason == "quotaExceeded" || item.Reason == "rateLimitExceeded" {
				kind = KindRetryable
			}
		}
		return &Error{Kind: kind, Platform: YouTube, StatusCode: gerr.Code, Message: gerr.Message, Err: err}
	}
	return &Error{Kind: ClassifyTransport(err), Platform: YouTube, Message: fmt.Sprintf("upload: %v", err), Err: err}
}
