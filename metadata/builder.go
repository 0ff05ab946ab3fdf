// Package metadata builds the identity registration document from user form data.
package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ruteri/agent-identity-provisioner/interfaces"
)

// EndpointConfig is the service endpoint advertised in every document.
// It is supplied once at process start.
type EndpointConfig struct {
	Endpoint    string
	X402Support bool
}

// Validate checks that the endpoint is an absolute http(s) URL.
func (c EndpointConfig) Validate() error {
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid agent endpoint: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" || u.Host == "" {
		return fmt.Errorf("invalid agent endpoint %q: must be an absolute http(s) URL", c.Endpoint)
	}
	return nil
}

// Builder turns form data into identity documents. It performs no I/O.
type Builder struct {
	endpoint EndpointConfig
	validate *validator.Validate
}

// NewBuilder creates a builder advertising the given endpoint.
func NewBuilder(endpoint EndpointConfig) (*Builder, error) {
	if err := endpoint.Validate(); err != nil {
		return nil, err
	}
	return &Builder{
		endpoint: endpoint,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

// Build derives the identity document for form. Identical forms yield identical documents.
// Returns an error wrapping interfaces.ErrValidation for unusable input.
func (b *Builder) Build(form interfaces.ProvisionFormData) (*interfaces.IdentityMetadata, error) {
	normalized := Normalize(form)

	if err := b.validate.Struct(normalized); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return nil, fmt.Errorf("%w: %s", interfaces.ErrValidation, strings.Join(fields, ", "))
		}
		return nil, fmt.Errorf("%w: %v", interfaces.ErrValidation, err)
	}

	return &interfaces.IdentityMetadata{
		Name:        normalized.AgentName,
		Description: normalized.Description,
		Services: []interfaces.ServiceEndpoint{
			{Endpoint: b.endpoint.Endpoint, X402Support: b.endpoint.X402Support},
		},
		Capabilities: normalized.Capabilities,
	}, nil
}

// Normalize trims text fields and reduces capabilities to a sorted set.
func Normalize(form interfaces.ProvisionFormData) interfaces.ProvisionFormData {
	seen := make(map[string]struct{}, len(form.Capabilities))
	caps := make([]string, 0, len(form.Capabilities))
	for _, c := range form.Capabilities {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		caps = append(caps, c)
	}
	sort.Strings(caps)

	return interfaces.ProvisionFormData{
		AgentName:    strings.TrimSpace(form.AgentName),
		Description:  strings.TrimSpace(form.Description),
		Capabilities: caps,
		TokenID:      strings.TrimSpace(form.TokenID),
	}
}

// Encode returns the wire representation of the document.
// Encoding is deterministic so the bytes can be content-addressed.
func Encode(doc *interfaces.IdentityMetadata) ([]byte, error) {
	if doc == nil {
		return nil, errors.New("nil metadata document")
	}
	out := *doc
	if out.Services == nil {
		out.Services = []interfaces.ServiceEndpoint{}
	}
	if out.Capabilities == nil {
		out.Capabilities = []string{}
	}
	return json.Marshal(&out)
}
