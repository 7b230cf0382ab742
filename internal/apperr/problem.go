package apperr

// problemTypeBase prefixes the type URI of every problem document.
const problemTypeBase = "https://errors.venuetix.com/notifications/"

// Problem is an RFC 7807 problem document. All non-2xx API responses
// serialize to this shape.
type Problem struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail,omitempty"`
	Instance      string `json:"instance,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

var problemTitles = map[Kind]string{
	KindValidation:        "Request validation failed",
	KindAuth:              "Authentication required",
	KindIdempotencyReplay: "Request already accepted",
	KindRateLimited:       "Rate limit exceeded",
	KindComplianceReject:  "Rejected by compliance policy",
	KindProviderRetryable: "Provider temporarily unavailable",
	KindProviderPermanent: "Provider rejected the message",
	KindCircuitOpen:       "Dependency unavailable",
	KindTimeout:           "Operation timed out",
	KindInternal:          "Internal error",
}

// Problem renders the error as an RFC 7807 document for the given request
// path. Cause text is never included; Detail is limited to the sanitized
// message set by the constructor.
func (e *Error) Problem(instance string) Problem {
	title, ok := problemTitles[e.Kind]
	if !ok {
		title = problemTitles[KindInternal]
	}
	return Problem{
		Type:          problemTypeBase + string(e.Kind),
		Title:         title,
		Status:        e.HTTPStatus,
		Detail:        e.Message,
		Instance:      instance,
		CorrelationID: e.CorrelationID,
	}
}
