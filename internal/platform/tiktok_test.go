package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/maheshrc27/postflow/internal/transfer"
	"github.com/maheshrc27/postflow/pkg/utils"
	"github.com/stretchr/testify/require"
)

func newTikTokServer(t *testing.T, publish http.HandlerFunc, token http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/post/publish/creator_info/query/", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer access-1", r.Header.Get("Authorization"))
		w.Write([]byte(`{"data":{"privacy_level_options":["SELF_ONLY","PUBLIC_TO_EVERYONE"]},"error":{"code":"ok"}}`))
	})
	if publish != nil {
		mux.HandleFunc("/v2/post/publish/video/init/", publish)
		mux.HandleFunc("/v2/post/publish/content/init/", publish)
	}
	if token != nil {
		mux.HandleFunc("/v2/oauth/token/", token)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

var tiktokCreds = Credentials{ExternalID: "open-1", AccessToken: utils.NewSecret("access-1")}

func TestTikTokPublishVideo(t *testing.T) {
	srv := newTikTokServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v2/post/publish/video/init/", r.URL.Path)
		var req transfer.VideoUploadRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "PULL_FROM_URL", req.SourceInfo.Source)
		require.Equal(t, "https://media.example/v.mp4", req.SourceInfo.VideoURL)
		require.Equal(t, "PUBLIC_TO_EVERYONE", req.PostInfo.PrivacyLevel)
		w.Write([]byte(`{"data":{"publish_id":"pub-123"},"error":{"code":"ok"}}`))
	}, nil)

	client := NewTikTokClient(Options{BaseURL: srv.URL})
	res, err := client.Publish(context.Background(), tiktokCreds, Content{
		PostID:   1,
		PostType: "single",
		Caption:  "hello",
		Media:    []Media{{URL: "https://media.example/v.mp4", MIMEType: "video/mp4"}},
	})
	require.NoError(t, err)
	require.Equal(t, "pub-123", res.ContentID)
	require.JSONEq(t, `{"data":{"publish_id":"pub-123"},"error":{"code":"ok"}}`, string(res.Response))
}

func TestTikTokPublishClassifiesFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   Kind
	}{
		{"server error", http.StatusServiceUnavailable, `upstream down`, KindRetryable},
		{"rate limited", http.StatusTooManyRequests, `{"error":{"code":"rate_limit_exceeded","message":"slow down"}}`, KindRetryable},
		{"policy", http.StatusForbidden, `{"error":{"code":"unaudited_client_can_only_post_to_private_accounts","message":"no"}}`, KindPermanent},
		{"scope", http.StatusUnauthorized, `{"error":{"code":"scope_not_authorized","message":"missing scope"}}`, KindPermanent},
		{"ok status with error code", http.StatusOK, `{"error":{"code":"spam_risk_too_many_posts","message":"later"}}`, KindRetryable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTikTokServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}, nil)

			client := NewTikTokClient(Options{BaseURL: srv.URL})
			_, err := client.Publish(context.Background(), tiktokCreds, Content{
				Media: []Media{{URL: "https://media.example/p.jpg", MIMEType: "image/jpeg"}},
			})
			require.Error(t, err)
			require.Equal(t, tc.kind, KindOf(err))
			require.NotContains(t, err.Error(), "access-1")
		})
	}
}

func TestTikTokPublishTimeoutIsRetryable(t *testing.T) {
	srv := newTikTokServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{"data":{"publish_id":"late"}}`))
	}, nil)

	client := NewTikTokClient(Options{BaseURL: srv.URL, RequestTimeout: 50 * time.Millisecond})
	_, err := client.Publish(context.Background(), tiktokCreds, Content{
		Media: []Media{{URL: "https://media.example/v.mp4", MIMEType: "video/mp4"}},
	})
	require.Error(t, err)
	require.Equal(t, KindRetryable, KindOf(err))
}

func TestTikTokPublishWithoutMediaIsPermanent(t *testing.T) {
	client := NewTikTokClient(Options{BaseURL: "http://127.0.0.1:0"})
	_, err := client.Publish(context.Background(), tiktokCreds, Content{})
	require.Equal(t, KindPermanent, KindOf(err))
}

func TestTikTokRefreshRotation(t *testing.T) {
	cases := []struct {
		name        string
		returned    string
		wantRotated string
	}{
		{"rotated", "refresh-2", "refresh-2"},
		{"echoed", "refresh-1", ""},
		{"omitted", "", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newTikTokServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
				require.NoError(t, r.ParseForm())
				require.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
				require.Equal(t, "refresh-1", r.PostForm.Get("refresh_token"))
				require.Equal(t, "key", r.PostForm.Get("client_key"))
				json.NewEncoder(w).Encode(transfer.TiktokTokenResponse{
					AccessToken:  "access-2",
					RefreshToken: tc.returned,
					ExpiresIn:    86400,
				})
			})

			client := NewTikTokClient(Options{BaseURL: srv.URL, ClientID: "key", ClientSecret: "secret"})
			tok, err := client.Refresh(context.Background(), utils.NewSecret("refresh-1"))
			require.NoError(t, err)
			require.Equal(t, "access-2", tok.AccessToken.Reveal())
			require.Equal(t, tc.wantRotated, tok.RefreshToken.Reveal())
			require.Equal(t, 24*time.Hour, tok.ExpiresIn)
		})
	}
}

func TestTikTokRefreshFailure(t *testing.T) {
	srv := newTikTokServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"invalid_grant","error_description":"Refresh token is invalid or expired."}`))
	})

	client := NewTikTokClient(Options{BaseURL: srv.URL})
	_, err := client.Refresh(context.Background(), utils.NewSecret("refresh-1"))
	require.Error(t, err)
	require.Equal(t, KindRefreshFailed, KindOf(err))
	require.Contains(t, err.Error(), "invalid_grant")
	require.NotContains(t, err.Error(), "refresh-1")
}
