package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/NikhilSetiya/recoverykit/internal/apiclient"
	"github.com/NikhilSetiya/recoverykit/pkg/config"
	"github.com/NikhilSetiya/recoverykit/pkg/errors"
	"github.com/NikhilSetiya/recoverykit/pkg/health"
	"github.com/NikhilSetiya/recoverykit/pkg/logging"
	"github.com/NikhilSetiya/recoverykit/pkg/recovery"
	"github.com/NikhilSetiya/recoverykit/pkg/tracing"
)

const probeTestName = "upstream-probe"

func upstreamClient(cfg config.UpstreamConfig, strategy *recovery.ErrorRecoveryStrategy, logger *logging.Logger, tracer *tracing.TracingService) (*apiclient.Client, error) {
	opts := []apiclient.Option{
		apiclient.WithLogger(logger),
		apiclient.WithTracer(tracer),
	}
	switch {
	case cfg.OAuthTokenURL != "":
		opts = append(opts, apiclient.WithOAuth2(clientcredentials.Config{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthSecret,
			TokenURL:     cfg.OAuthTokenURL,
			Scopes:       cfg.OAuthScopes,
		}))
	case cfg.TokenSecret != "":
		opts = append(opts, apiclient.WithServiceToken(cfg.TokenIssuer, []byte(cfg.TokenSecret), cfg.TokenTTL))
	}

	return apiclient.NewClient(apiclient.Config{
		BaseURL:   cfg.BaseURL,
		Timeout:   cfg.Timeout,
		UserAgent: "recoveryd/" + version,
	}, strategy, opts...)
}

// upstreamChecker probes the upstream API. Failures degrade the service
// rather than marking it unhealthy since open circuits already fail fast.
func upstreamChecker(client *apiclient.Client, path string) *health.CustomChecker {
	return health.NewCustomChecker("upstream", func(ctx context.Context) (health.Status, string, error) {
		resp, err := client.Do(ctx, probeTestName, apiclient.Request{Method: http.MethodGet, Path: path})
		if err != nil {
			class := errors.Classify(err)
			return health.StatusDegraded, string(class.Type), nil
		}
		return health.StatusHealthy, http.StatusText(resp.StatusCode), nil
	}).WithMetadata(map[string]string{"endpoint": client.Endpoint()})
}

// upstreamHealthChecker picks the probe for the upstream API. Without
// credentials a plain HTTP GET is enough; authenticated upstreams go
// through the API client so the probe carries a token.
func upstreamHealthChecker(cfg config.UpstreamConfig, strategy *recovery.ErrorRecoveryStrategy, logger *logging.Logger, tracer *tracing.TracingService) (health.Checker, error) {
	if cfg.OAuthTokenURL == "" && cfg.TokenSecret == "" {
		base, err := url.Parse(cfg.BaseURL)
		if err != nil || base.Scheme == "" || base.Host == "" {
			return nil, fmt.Errorf("%w: invalid base URL %q", errors.ErrInvalidArgument, cfg.BaseURL)
		}
		return health.NewHTTPChecker(base.JoinPath(cfg.ProbePath).String(), "upstream", cfg.Timeout), nil
	}

	client, err := upstreamClient(cfg, strategy, logger, tracer)
	if err != nil {
		return nil, err
	}
	return upstreamChecker(client, cfg.ProbePath), nil
}
