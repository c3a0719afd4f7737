package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/maheshrc27/postflow/internal/transfer"
	"github.com/maheshrc27/postflow/pkg/utils"
	"github.com/stretchr/testify/require"
)

var instagramCreds = Credentials{ExternalID: "1789", AccessToken: utils.NewSecret("ig-token")}

func TestInstagramPublishSingleImage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v21.0/1789/media", func(w http.ResponseWriter, r *http.Request) {
		var req transfer.InstagramContainerRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "https://media.example/a.jpg", req.ImageURL)
		require.Equal(t, "caption", req.Caption)
		require.Equal(t, "ig-token", req.AccessToken)
		w.Write([]byte(`{"id":"container-1"}`))
	})
	mux.HandleFunc("/v21.0/1789/media_publish", func(w http.ResponseWriter, r *http.Request) {
		var req transfer.InstagramPublishRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "container-1", req.CreationID)
		w.Write([]byte(`{"id":"media-9"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewInstagramClient(Options{BaseURL: srv.URL})
	res, err := client.Publish(context.Background(), instagramCreds, Content{
		Caption: "caption",
		Media:   []Media{{URL: "https://media.example/a.jpg", MIMEType: "image/jpeg"}},
	})
	require.NoError(t, err)
	require.Equal(t, "media-9", res.ContentID)
}

func TestInstagramPublishCarousel(t *testing.T) {
	var mu sync.Mutex
	var children []string
	var carousel transfer.InstagramContainerRequest

	mux := http.NewServeMux()
	mux.HandleFunc("/v21.0/1789/media", func(w http.ResponseWriter, r *http.Request) {
		var req transfer.InstagramContainerRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		mu.Lock()
		defer mu.Unlock()
		if req.MediaType == "CAROUSEL" {
			carousel = req
			w.Write([]byte(`{"id":"carousel"}`))
			return
		}
		require.True(t, req.IsCarouselItem)
		id := "child-" + req.ImageURL[len(req.ImageURL)-5:len(req.ImageURL)-4]
		children = append(children, id)
		json.NewEncoder(w).Encode(transfer.InstagramIDResponse{ID: id})
	})
	mux.HandleFunc("/v21.0/1789/media_publish", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"media-10"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewInstagramClient(Options{BaseURL: srv.URL})
	res, err := client.Publish(context.Background(), instagramCreds, Content{
		PostType: "multiple",
		Caption:  "two",
		Media: []Media{
			{URL: "https://media.example/1.jpg", MIMEType: "image/jpeg"},
			{URL: "https://media.example/2.jpg", MIMEType: "image/jpeg"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "media-10", res.ContentID)
	require.Equal(t, []string{"child-1", "child-2"}, children)
	require.Equal(t, children, carousel.Children)
	require.Equal(t, "two", carousel.Caption)
}

func TestInstagramErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   Kind
	}{
		{"transient flag", http.StatusBadRequest, `{"error":{"message":"try later","code":2,"is_transient":true}}`, KindRetryable},
		{"throttled", http.StatusBadRequest, `{"error":{"message":"limit","code":4}}`, KindRetryable},
		{"bad media", http.StatusBadRequest, `{"error":{"message":"unsupported format","code":36003}}`, KindPermanent},
		{"expired session", http.StatusUnauthorized, `{"error":{"message":"session expired","code":190}}`, KindPermanent},
		{"gateway", http.StatusBadGateway, `bad gateway`, KindRetryable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			client := NewInstagramClient(Options{BaseURL: srv.URL})
			_, err := client.Publish(context.Background(), instagramCreds, Content{
				Media: []Media{{URL: "https://media.example/a.jpg", MIMEType: "image/jpeg"}},
			})
			require.Error(t, err)
			require.Equal(t, tc.kind, KindOf(err))
		})
	}
}

func TestErrorBodyIsCutOnARuneBoundary(t *testing.T) {
	body := "xx" + strings.Repeat("投稿エラー", 100)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(body))
	}))
	defer srv.Close()

	client := NewInstagramClient(Options{BaseURL: srv.URL})
	_, err := client.Publish(context.Background(), instagramCreds, Content{
		Media: []Media{{URL: "https://media.example/a.jpg", MIMEType: "image/jpeg"}},
	})
	require.Error(t, err)
	require.Equal(t, KindRetryable, KindOf(err))
	require.True(t, utf8.ValidString(err.Error()))
	require.Contains(t, err.Error(), "xx投稿")
	require.NotContains(t, err.Error(), body)
}

func TestInstagramRefreshReplacesBothTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/refresh_access_token", r.URL.Path)
		require.Equal(t, "ig_refresh_token", r.URL.Query().Get("grant_type"))
		require.Equal(t, "long-lived-1", r.URL.Query().Get("access_token"))
		w.Write([]byte(`{"access_token":"long-lived-2","token_type":"bearer","expires_in":5184000}`))
	}))
	defer srv.Close()

	client := NewInstagramClient(Options{BaseURL: srv.URL})
	tok, err := client.Refresh(context.Background(), utils.NewSecret("long-lived-1"))
	require.NoError(t, err)
	require.Equal(t, "long-lived-2", tok.AccessToken.Reveal())
	require.Equal(t, "long-lived-2", tok.RefreshToken.Reveal())
}

func TestInstagramRefreshFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"Error validating access token","code":190}}`))
	}))
	defer srv.Close()

	client := NewInstagramClient(Options{BaseURL: srv.URL})
	_, err := client.Refresh(context.Background(), utils.NewSecret("long-lived-1"))
	require.Equal(t, KindRefreshFailed, KindOf(err))
	require.NotContains(t, err.Error(), "long-lived-1")
}
