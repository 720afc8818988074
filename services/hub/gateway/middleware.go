package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"masond/services/hub/auth"
	"masond/services/hub/fault"
	"masond/services/hub/identity"
	"masond/services/hub/registry"
)

type claimsKey struct{}
type endpointKey struct{}

// bearerToken extracts the Authorization bearer credential.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("%w: missing authorization header", fault.ErrUnauthenticated)
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", fmt.Errorf("%w: malformed authorization header", fault.ErrUnauthenticated)
	}
	return token, nil
}

// requireAPIToken gates a route on a valid api token. The resolved claims
// land in the request context.
func (g *Gateway) requireAPIToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := bearerToken(r)
		if err != nil {
			g.respondFault(w, err)
			return
		}
		claims, err := g.auth.Issuer().Validate(token, auth.PurposeAPI)
		if err != nil {
			g.respondFault(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireHuman restricts a route to human admin accounts.
func (g *Gateway) requireHuman(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := caller(r)
		if !ok || claims.AccountKind != identity.KindHuman {
			g.respondFault(w, fmt.Errorf("%w: admin access required", fault.ErrForbidden))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireOperationalEndpoint restricts a route to peers whose endpoint is
// operational, and resolves that endpoint into the request context.
func (g *Gateway) requireOperationalEndpoint(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := caller(r)
		if !ok {
			g.respondFault(w, fault.ErrUnauthenticated)
			return
		}

		endpoint, err := g.endpoints.GetByAccount(r.Context(), nil, claims.AccountID)
		if err != nil {
			g.respondFault(w, err)
			return
		}
		if endpoint.Status != registry.StatusOperational {
			g.respondFault(w, fmt.Errorf("%w: endpoint is %s", fault.ErrForbidden, endpoint.Status))
			return
		}

		ctx := context.WithValue(r.Context(), endpointKey{}, endpoint)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
