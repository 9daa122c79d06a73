package provider

import (
	"context"
	"strings"
)

type Endpoints struct {
	Primary  string
	Fallback string
}

// EndpointSource resolves the provider endpoints for each send, so operators can
// repoint delivery at runtime.
type EndpointSource interface {
	Endpoints(ctx context.Context) Endpoints
}

// StaticEndpoints always returns the configured endpoints.
type StaticEndpoints Endpoints

func (s StaticEndpoints) Endpoints(context.Context) Endpoints {
	return Endpoints{
		Primary:  strings.TrimSpace(s.Primary),
		Fallback: strings.TrimSpace(s.Fallback),
	}
}
