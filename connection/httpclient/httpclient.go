package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/NotEvenANeko/objc-sdk/logger"
)

const (
	httpTimeout = time.Second * 30
)

type HTTPOptions struct {
	Endpoint string
	Body     io.Reader
	Headers  http.Header
	Params   url.Values
}

type HttpClient struct {
	logger *logger.Logger
	client *http.Client

	backoffParams *backoff.ExponentialBackOff

	targetUrl string
	body      io.Reader
	headers   http.Header
	params    url.Values
}

func New(
	logger *logger.Logger,
	serviceUrl string,
	options HTTPOptions,
) (*HttpClient, error) {

	if options.Endpoint != "" {
		combo, err := url.ParseRequestURI(serviceUrl)
		if err != nil {
			return nil, err
		}
		combo.Path = path.Join(combo.Path, options.Endpoint)
		serviceUrl = combo.String()
	} else if _, err := url.ParseRequestURI(serviceUrl); err != nil {
		return nil, err
	}

	if options.Headers == nil {
		options.Headers = http.Header{}
	}

	if options.Params == nil {
		options.Params = url.Values{}
	}

	return &HttpClient{
		logger:    logger,
		client:    &http.Client{Timeout: httpTimeout},
		targetUrl: serviceUrl,
		body:      options.Body,
		headers:   options.Headers,
		params:    options.Params,
	}, nil
}

// NewWithBackoff builds a client that retries failed requests until maxElapsed has passed.
// Requests carrying a body are only attempted once since the body cannot be replayed.
func NewWithBackoff(
	logger *logger.Logger,
	serviceUrl string,
	options HTTPOptions,
	maxElapsed time.Duration,
) (*HttpClient, error) {
	client, err := New(logger, serviceUrl, options)
	if err != nil {
		return nil, err
	}

	backoffParams := backoff.NewExponentialBackOff()
	backoffParams.InitialInterval = 250 * time.Millisecond
	backoffParams.MaxInterval = 5 * time.Second
	backoffParams.MaxElapsedTime = maxElapsed
	client.backoffParams = backoffParams

	return client, nil
}

func (h *HttpClient) Post(ctx context.Context) (*http.Response, error) {
	return h.execute(ctx, http.MethodPost)
}

func (h *HttpClient) Get(ctx context.Context) (*http.Response, error) {
	return h.execute(ctx, http.MethodGet)
}

// GetJSON performs a GET and decodes the response body into target
func (h *HttpClient) GetJSON(ctx context.Context, target interface{}) error {
	response, err := h.Get(ctx)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("malformed response from %s: %w", h.targetUrl, err)
	}
	return nil
}

func (h *HttpClient) execute(ctx context.Context, method string) (*http.Response, error) {
	// If there is no backoff, then only execute request once
	if h.backoffParams == nil || h.body != nil {
		return h.request(ctx, method)
	}

	h.backoffParams.Reset()

	var response *http.Response
	operation := func() error {
		var err error
		response, err = h.request(ctx, method)
		if err != nil && response != nil && response.StatusCode >= 400 && response.StatusCode < 500 {
			// the server understood us and said no; asking again will not change its mind
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		h.logger.Errorf("retrying in %s: %s", next.Round(time.Millisecond), err)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(h.backoffParams, ctx), notify); err != nil {
		return nil, err
	}
	return response, nil
}

func (h *HttpClient) request(ctx context.Context, method string) (*http.Response, error) {
	// Build our Request
	request, err := http.NewRequestWithContext(ctx, method, h.targetUrl, h.body)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", method, err)
	}
	request.Header = h.headers.Clone()

	// Add params to request URL
	request.URL.RawQuery = h.params.Encode()

	// Make our Request
	response, err := h.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", method, err)
	}

	// Check if request was successful
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		response.Body.Close()
		return response, fmt.Errorf("%s request failed with status %s", method, response.Status)
	}

	return response, nil
}
