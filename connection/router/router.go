/*
Package router finds out which RTM server an application should connect to. The answer
comes from the application's router endpoint and is cached until the TTL the router
hands back alongside it runs out. The cache lives in memory unless the Router is given
a shared one, see redisroute.
*/
package router

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/NotEvenANeko/objc-sdk/connection/httpclient"
	"github.com/NotEvenANeko/objc-sdk/logger"
)

const (
	// used when the router does not say how long its answer is good for
	defaultTTL = 10 * time.Minute

	lookupTimeout     = 20 * time.Second
	invalidateTimeout = 5 * time.Second
)

type routeResponse struct {
	Server    string `json:"server"`
	Secondary string `json:"secondary"`
	TTL       int64  `json:"ttl"`
}

// Route is the router's answer for one application
type Route struct {
	Primary   string    `json:"primary"`
	Secondary string    `json:"secondary,omitempty"`
	Expires   time.Time `json:"expires"`
}

// Cache keeps routes between lookups and must be safe for concurrent use. A miss is
// reported as ok == false, not as an error.
type Cache interface {
	Get(ctx context.Context, appId string) (route Route, ok bool, err error)
	Put(ctx context.Context, appId string, route Route) error
	Delete(ctx context.Context, appId string) error
}

type Router struct {
	logger *logger.Logger
	now    func() time.Time
	cache  Cache
}

type Option func(*Router)

func WithCache(cache Cache) Option {
	return func(r *Router) {
		r.cache = cache
	}
}

func New(logger *logger.Logger, opts ...Option) *Router {
	r := &Router{
		logger: logger.GetComponentLogger("Router"),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}
	if r.cache == nil {
		r.cache = NewMemoryCache()
	}

	return r
}

// Endpoint returns the websocket URL to use for an application. When secondary is set the
// fallback server is returned, or the primary if the router did not offer one.
func (r *Router) Endpoint(ctx context.Context, appId string, routerUrl string, secondary bool) (*url.URL, error) {
	rt, err := r.lookup(ctx, appId, routerUrl)
	if err != nil {
		return nil, err
	}

	server := rt.Primary
	if secondary && rt.Secondary != "" {
		server = rt.Secondary
	}

	endpoint, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("router returned a malformed server address %q: %w", server, err)
	}
	return endpoint, nil
}

// Invalidate drops the cached route so the next Endpoint asks the router again
func (r *Router) Invalidate(appId string) {
	ctx, cancel := context.WithTimeout(context.Background(), invalidateTimeout)
	defer cancel()

	if err := r.cache.Delete(ctx, appId); err != nil {
		r.logger.Errorf("Failed to drop cached route for %s: %s", appId, err)
	}
}

func (r *Router) lookup(ctx context.Context, appId string, routerUrl string) (Route, error) {
	// a broken cache only costs us a lookup
	if cached, ok, err := r.cache.Get(ctx, appId); err != nil {
		r.logger.Errorf("Failed to read cached route for %s: %s", appId, err)
	} else if ok && r.now().Before(cached.Expires) {
		return cached, nil
	}

	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	client, err := httpclient.New(r.logger, routerUrl, httpclient.HTTPOptions{
		Params: url.Values{
			"appId":  {appId},
			"secure": {"1"},
		},
	})
	if err != nil {
		return Route{}, fmt.Errorf("invalid router url %q: %w", routerUrl, err)
	}

	var response routeResponse
	if err := client.GetJSON(ctx, &response); err != nil {
		return Route{}, fmt.Errorf("failed to look up rtm server for %s: %w", appId, err)
	}
	if response.Server == "" {
		return Route{}, fmt.Errorf("router did not return an rtm server for %s", appId)
	}

	ttl := defaultTTL
	if response.TTL > 0 {
		ttl = time.Duration(response.TTL) * time.Second
	}

	fresh := Route{
		Primary:   response.Server,
		Secondary: response.Secondary,
		Expires:   r.now().Add(ttl),
	}

	if err := r.cache.Put(ctx, appId, fresh); err != nil {
		r.logger.Errorf("Failed to cache route for %s: %s", appId, err)
	}

	r.logger.Debugf("Routed %s to %s (secondary %q) for %s", appId, fresh.Primary, fresh.Secondary, ttl)
	return fresh, nil
}
