// Package schema validates API payloads against embedded JSON schemas before
// any side effect happens.
package schema

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/DroneBid/dronebid-market-go/internal/metrics"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Payload schema names.
const (
	User                 = "user"
	Request              = "request"
	Bid                  = "bid"
	CoverageArea         = "coverage_area"
	CoverageAreaUpdate   = "coverage_area_update"
	AreaOfInterest       = "area_of_interest"
	Rating               = "rating"
	ProviderProfile      = "provider_profile"
	ImageUpload          = "image_upload"
	ReconcileRequest     = "reconcile_request"
	ReconcileBid         = "reconcile_bid"
	AgentCreateRequest   = "agent_create_request"
	AgentSubmitBid       = "agent_submit_bid"
	AgentAcceptBid       = "agent_accept_bid"
	AgentDeliverJob      = "agent_deliver_job"
	AgentApproveDelivery = "agent_approve_delivery"
)

// ValidationError lists every schema violation in a payload.
type ValidationError struct {
	Schema   string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s payload invalid: %s", e.Schema, strings.Join(e.Problems, "; "))
}

// Validator holds the compiled payload schemas.
type Validator struct {
	schemas map[string]*gojsonschema.Schema
	metrics *metrics.Metrics
}

// NewValidator compiles every embedded schema. m may be nil.
func NewValidator(m *metrics.Metrics) (*Validator, error) {
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema), metrics: m}

	files, err := fs.Glob(schemaFS, "schemas/*.json")
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		b, err := schemaFS.ReadFile(f)
		if err != nil {
			return nil, err
		}
		name := strings.TrimSuffix(path.Base(f), ".json")
		s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(b))
		if err != nil {
			return nil, fmt.Errorf("invalid schema %s: %w", name, err)
		}
		v.schemas[name] = s
	}
	return v, nil
}

// Names lists the loaded schemas.
func (v *Validator) Names() []string {
	out := make([]string, 0, len(v.schemas))
	for n := range v.schemas {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Validate checks a raw JSON payload. Violations come back as *ValidationError;
// any other error means the payload was not JSON.
func (v *Validator) Validate(name string, payload []byte) error {
	s, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %q", name)
	}

	start := time.Now()
	result, err := s.Validate(gojsonschema.NewBytesLoader(payload))
	status := "valid"
	defer func() {
		if v.metrics != nil {
			v.metrics.SchemaValidationTotal.WithLabelValues(name, status).Inc()
			v.metrics.SchemaValidationDuration.WithLabelValues(name, status).Observe(time.Since(start).Seconds())
		}
	}()
	if err != nil {
		status = "error"
		return fmt.Errorf("validation error: %w", err)
	}
	if !result.Valid() {
		status = "invalid"
		verr := &ValidationError{Schema: name}
		for _, desc := range result.Errors() {
			verr.Problems = append(verr.Problems, desc.String())
		}
		return verr
	}
	return nil
}
