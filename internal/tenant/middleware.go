package tenant

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// Directory resolves a tenant slug or id to a full tenant record. The lookup
// runs outside any tenant scope so it can read the shared tenants collection.
type Directory interface {
	Lookup(ctx context.Context, slugOrID string) (Context, error)
}

// DirectoryFunc adapts a function to the Directory interface.
type DirectoryFunc func(ctx context.Context, slugOrID string) (Context, error)

// Lookup implements Directory.
func (f DirectoryFunc) Lookup(ctx context.Context, slugOrID string) (Context, error) {
	return f(ctx, slugOrID)
}

// Resolver resolves tenant identifiers from HTTP requests using either
// headers or subdomains and installs the resolved tenant into the request
// context.
type Resolver struct {
	HeaderName    string
	RootDomain    string
	DefaultTenant string
	Directory     Directory
}

// NewResolver returns a resolver configured with the provided header name,
// root domain, and default tenant slug. If headerName is empty,
// "X-Tenant-ID" is used.
func NewResolver(headerName, rootDomain, defaultTenant string, dir Directory) *Resolver {
	if headerName == "" {
		headerName = "X-Tenant-ID"
	}
	return &Resolver{
		HeaderName:    headerName,
		RootDomain:    strings.ToLower(strings.TrimSpace(rootDomain)),
		DefaultTenant: strings.TrimSpace(defaultTenant),
		Directory:     dir,
	}
}

// Middleware resolves the tenant from the request and injects it into the
// context passed downstream. Requests for unknown tenants pass through
// without a scope; inactive tenants are rejected.
func (r *Resolver) Middleware(next http.Handler) http.Handler {
	if r == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		slug := r.Resolve(req)
		if slug == "" {
			slug = r.DefaultTenant
		}
		if slug == "" || r.Directory == nil {
			next.ServeHTTP(w, req)
			return
		}
		tc, err := r.Directory.Lookup(Without(req.Context()), slug)
		if err != nil {
			next.ServeHTTP(w, req)
			return
		}
		if !tc.Active {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":{"code":"TENANT_SUSPENDED","message":"tenant is not active"}}`))
			return
		}
		next.ServeHTTP(w, req.WithContext(With(req.Context(), tc)))
	})
}

// RequireTenant ensures a tenant scope exists in the request context.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := From(r.Context()); !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"code":"TENANT_REQUIRED","message":"tenant is required"}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Resolve attempts to find the tenant identifier from the configured header
// or the request subdomain.
func (r *Resolver) Resolve(req *http.Request) string {
	if r == nil || req == nil {
		return ""
	}
	if tenantID := strings.TrimSpace(req.Header.Get(r.HeaderName)); tenantID != "" {
		return tenantID
	}

	host := hostWithoutPort(req.Host)
	if host == "" {
		return ""
	}
	subdomain := r.subdomainFromHost(host)
	return strings.TrimSpace(subdomain)
}

func (r *Resolver) subdomainFromHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return ""
	}

	if r.RootDomain != "" {
		if host == r.RootDomain {
			return ""
		}
		suffix := "." + r.RootDomain
		if strings.HasSuffix(host, suffix) {
			host = strings.TrimSuffix(host, suffix)
		} else {
			return ""
		}
	}

	parts := strings.Split(host, ".")
	if len(parts) == 0 {
		return ""
	}
	return parts[0]
}

func hostWithoutPort(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return ""
	}
	if strings.HasPrefix(hostport, "[") {
		if idx := strings.Index(hostport, "]"); idx != -1 {
			host := hostport[1:idx]
			if host != "" {
				return host
			}
		}
	}
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	if idx := strings.Index(hostport, ":"); idx != -1 && strings.Count(hostport, ":") == 1 {
		return hostport[:idx]
	}
	return hostport
}
