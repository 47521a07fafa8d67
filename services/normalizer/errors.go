package normalizer

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/upb/llm-gateway/services"
)

// Error types of the envelope
const (
	TypeAuthentication     = "authentication_error"
	TypePermission         = "permission_error"
	TypeInvalidRequest     = "invalid_request_error"
	TypeRateLimit          = "rate_limit_error"
	TypeServiceUnavailable = "service_unavailable"
	TypeUpstream           = "upstream_error"
	TypeInternal           = "internal_error"
)

// StatusClientClosedRequest is reported when the caller went away
const StatusClientClosedRequest = 499

// GatewayError is the normalized error envelope returned to callers
type GatewayError struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Status    int    `json:"status"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id"`

	cause error
}

// Error implements the error interface
func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s (%s/%s, status %d)", e.Message, e.Type, e.Code, e.Status)
}

// Unwrap returns the classified error
func (e *GatewayError) Unwrap() error {
	return e.cause
}

type classification struct {
	typ    string
	code   string
	status int
}

var (
	providerAuth = classification{TypeInvalidRequest, "provider_authentication", http.StatusBadGateway}
	authn        = classification{TypeAuthentication, "authentication_failed", http.StatusUnauthorized}
	permission   = classification{TypePermission, "permission_denied", http.StatusForbidden}
	notFound     = classification{TypeInvalidRequest, "model_not_found", http.StatusNotFound}
	rateLimited  = classification{TypeRateLimit, "rate_limit_exceeded", http.StatusTooManyRequests}
	timedOut     = classification{TypeInternal, "adapter_timeout", http.StatusGatewayTimeout}
	internal     = classification{TypeInternal, "internal_error", http.StatusInternalServerError}
)

// messagePatterns classify untyped errors; the first match wins
var messagePatterns = []struct {
	re    *regexp.Regexp
	class classification
}{
	{regexp.MustCompile(`provider authentication|invalid api[ _-]?key|incorrect api[ _-]?key|upstream authentication`), providerAuth},
	{regexp.MustCompile(`unauthori[sz]ed|unauthenticated|authentication|invalid token`), authn},
	{regexp.MustCompile(`forbidden|permission|not allowed`), permission},
	{regexp.MustCompile(`no provider found|model .*not found|not found`), notFound},
	{regexp.MustCompile(`rate limit|too many requests|quota`), rateLimited},
	{regexp.MustCompile(`timeout|timed out|deadline exceeded`), timedOut},
}

// NormalizeError classifies err into the caller-facing envelope. Errors of
// the gateway's own taxonomy are classified by type; anything else by its
// message. An already normalized error is returned unchanged.
func (n *Normalizer) NormalizeError(err error, requestID string) *GatewayError {
	if err == nil {
		return nil
	}
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr
	}

	class := classifyTyped(err)
	if class == nil {
		c := classifyMessage(err.Error())
		class = &c
	}

	return &GatewayError{
		Type:      class.typ,
		Code:      class.code,
		Status:    class.status,
		Message:   err.Error(),
		RequestID: requestID,
		TraceID:   n.traceID(),
		cause:     err,
	}
}

func classifyTyped(err error) *classification {
	c := func(typ, code string, status int) *classification {
		return &classification{typ, code, status}
	}

	switch services.GetErrorType(err) {
	case services.ErrorTypeFallbackExhausted:
		if last := errors.Unwrap(err); last != nil {
			if class := classifyTyped(last); class != nil {
				return class
			}
			cl := classifyMessage(last.Error())
			return &cl
		}
		return c(TypeServiceUnavailable, "fallback_exhausted", http.StatusServiceUnavailable)
	case services.ErrorTypeCancelled:
		return c(TypeInvalidRequest, "request_cancelled", StatusClientClosedRequest)
	case services.ErrorTypeValidation:
		return c(TypeInvalidRequest, "invalid_request", http.StatusBadRequest)
	case services.ErrorTypeNotSupported:
		return c(TypeInvalidRequest, "not_supported", http.StatusBadRequest)
	case services.ErrorTypeModelNotFound, services.ErrorTypeNoProvidersForModel, services.ErrorTypeModelMappingMissing:
		return &notFound
	case services.ErrorTypeProviderNotFound:
		return c(TypeInvalidRequest, "provider_not_found", http.StatusNotFound)
	case services.ErrorTypeCircuitOpen:
		return c(TypeServiceUnavailable, "circuit_open", http.StatusServiceUnavailable)
	case services.ErrorTypeNoHealthyProviders:
		return c(TypeServiceUnavailable, "no_healthy_providers", http.StatusServiceUnavailable)
	case services.ErrorTypeProviderUnhealthy:
		return c(TypeServiceUnavailable, "provider_unhealthy", http.StatusServiceUnavailable)
	case services.ErrorTypeCallTimeout, services.ErrorTypeSandboxTimeout:
		return &timedOut
	case services.ErrorTypeSandboxNonZeroExit:
		return c(TypeUpstream, "provider_process_failed", http.StatusBadGateway)
	case services.ErrorTypeSandboxOutputLimit:
		return c(TypeUpstream, "provider_output_too_large", http.StatusBadGateway)
	case services.ErrorTypeConfiguration:
		return c(TypeInternal, "provider_configuration", http.StatusInternalServerError)
	case services.ErrorTypeNetwork:
		if timeout, _ := services.GetErrorDetails(err)["timeout"].(bool); timeout {
			return &timedOut
		}
		return c(TypeUpstream, "provider_unreachable", http.StatusBadGateway)
	case services.ErrorTypeHTTPStatus:
		status, _ := services.HTTPStatusOf(err)
		switch {
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return &providerAuth
		case status == http.StatusTooManyRequests:
			return &rateLimited
		case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
			return &timedOut
		case status >= 500:
			return c(TypeUpstream, "provider_error", http.StatusBadGateway)
		default:
			return c(TypeInvalidRequest, "provider_rejected_request", http.StatusBadRequest)
		}
	case services.ErrorTypeInternal:
		return &internal
	}
	return nil
}

func classifyMessage(msg string) classification {
	lower := strings.ToLower(msg)
	for _, p := range messagePatterns {
		if p.re.MatchString(lower) {
			return p.class
		}
	}
	return internal
}
