package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/maheshrc27/postflow/pkg/utils"
)

const (
	TikTok    = "tiktok"
	Instagram = "instagram"
	YouTube   = "youtube"
)

// Credentials carries what a publish call needs from the credential
// store. The token stays wrapped until the request is built.
type Credentials struct {
	ExternalID  string
	AccessToken utils.Secret
}

type Media struct {
	URL      string
	MIMEType string
}

func (m Media) IsVideo() bool {
	return strings.HasPrefix(m.MIMEType, "video/")
}

type Content struct {
	PostID   int64
	PostType string
	Title    string
	Caption  string
	Media    []Media
}

type PublishResult struct {
	ContentID string
	Response  json.RawMessage
}

// RefreshedToken is the outcome of a token refresh. RefreshToken is zero
// when the platform did not rotate it. ExpiresAt is set instead of
// ExpiresIn when the platform library already resolved the instant.
type RefreshedToken struct {
	AccessToken  utils.Secret
	RefreshToken utils.Secret
	ExpiresIn    time.Duration
	ExpiresAt    time.Time
}

type Client interface {
	Name() string
	Publish(ctx context.Context, creds Credentials, content Content) (*PublishResult, error)
	Refresh(ctx context.Context, refreshToken utils.Secret) (*RefreshedToken, error)
}

type Registry struct {
	clients map[string]Client
}

func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[string]Client, len(clients))}
	for _, c := range clients {
		r.clients[c.Name()] = c
	}
	return r
}

func (r *Registry) Get(name string) (Client, error) {
	c, ok := r.clients[name]
	if !ok {
		return nil, Permanent(name, "no client configured", fmt.Errorf("%w: %q", ErrUnsupportedPlatform, name))
	}
	return c, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	return names
}
