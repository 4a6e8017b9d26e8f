/*
 *  Copyright (c) 2023 Juice Technologies, Inc. All Rights Reserved.
 */
package middleware

import (
	"context"
	"flag"
	"net/http"
	"net/url"
	"os"
	"time"

	jwtmiddleware "github.com/auth0/go-jwt-middleware/v2"
	"github.com/auth0/go-jwt-middleware/v2/jwks"
	"github.com/auth0/go-jwt-middleware/v2/validator"

	"github.com/Juice-Labs/gpu-relay/pkg/errors"
	"github.com/Juice-Labs/gpu-relay/pkg/logger"
)

var (
	ErrConfiguration = errors.New("middleware: invalid token validation settings")
)

// CustomClaims contains custom data we want from the token.
type CustomClaims struct {
	Scope string `json:"scope"`
}

func (c CustomClaims) Validate(ctx context.Context) error {
	return nil
}

var (
	disableTokenValidation = flag.Bool("disable-token-validation", false, "Disables token validation, all requests will be allowed")
	authDomain             = flag.String("auth-domain", "", "The domain used for validating jwt tokens")
	authAudience           = flag.String("auth-audience", "", "The audience used for validating jwt tokens")
)

func passthrough(next http.Handler) http.Handler {
	return next
}

// EnsureValidToken returns a middleware that rejects requests without a
// valid bearer token. --auth-domain and --auth-audience fall back to
// AUTH0_DOMAIN and AUTH0_AUDIENCE.
func EnsureValidToken() (func(next http.Handler) http.Handler, error) {
	if *disableTokenValidation || os.Getenv("DISABLE_VALIDATION") == "true" {
		logger.Warning("token validation is disabled")
		return passthrough, nil
	}

	domain := *authDomain
	if domain == "" {
		domain = os.Getenv("AUTH0_DOMAIN")
	}

	audience := *authAudience
	if audience == "" {
		audience = os.Getenv("AUTH0_AUDIENCE")
	}

	if domain == "" || audience == "" {
		return nil, ErrConfiguration.Wrapf("use --auth-domain and --auth-audience or --disable-token-validation")
	}

	issuerURL, err := url.Parse("https://" + domain + "/")
	if err != nil {
		return nil, ErrConfiguration.Wrap(err)
	}

	provider := jwks.NewCachingProvider(issuerURL, 5*time.Minute)

	jwtValidator, err := validator.New(
		provider.KeyFunc,
		validator.RS256,
		issuerURL.String(),
		[]string{audience},
		validator.WithCustomClaims(
			func() validator.CustomClaims {
				return &CustomClaims{}
			},
		),
		validator.WithAllowedClockSkew(time.Minute),
	)
	if err != nil {
		return nil, ErrConfiguration.Wrap(err)
	}

	errorHandler := func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Debugw("rejected request token", "path", r.URL.Path, "error", err)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"Failed to validate JWT."}`))
	}

	middleware := jwtmiddleware.New(
		jwtValidator.ValidateToken,
		jwtmiddleware.WithErrorHandler(errorHandler),
	)

	return middleware.CheckJWT, nil
}
