package suppliers

import (
	"net/http"
)

const (
	validationEventType     = "Microsoft.EventGrid.SubscriptionValidationEvent"
	eventGridTypeHeader     = "aeg-event-type"
	eventGridValidationType = "SubscriptionValidation"
	requestOriginHeader     = "WebHook-Request-Origin"
	allowedRate             = "1000"
)

// IsValidationEvent reports whether event is an Event Grid subscription handshake.
func IsValidationEvent(event Event) bool {
	return event.Type() == validationEventType
}

// abuseProtectionHandshake answers the CloudEvents OPTIONS preflight.
func abuseProtectionHandshake(r *http.Request) Verification {
	origin := r.Header.Get(requestOriginHeader)
	if origin == "" {
		return Failed("missing request origin", &Response{
			Status: http.StatusBadRequest,
			Body:   map[string]string{"error": "Missing WebHook-Request-Origin header"},
		})
	}
	headers := http.Header{}
	headers.Set("WebHook-Allowed-Origin", origin)
	headers.Set("WebHook-Allowed-Rate", allowedRate)
	headers.Set("Allow", http.MethodPost)
	return Handshake(Response{Status: http.StatusOK, Headers: headers})
}

// firstEvent decodes the body leniently; malformed JSON is left to the parse stage.
func firstEvent(body []byte) (Event, bool) {
	raw, err := decodeJSON(body)
	if err != nil {
		return nil, false
	}
	events := extractEvents(raw)
	if len(events) == 0 {
		return nil, false
	}
	return events[0], true
}

// validationHandshake echoes the Event Grid validation code. ok is false when
// the request is not a validation request.
func validationHandshake(r *http.Request, first Event) (Verification, bool) {
	signalled := r.Header.Get(eventGridTypeHeader) == eventGridValidationType
	if !signalled && (first == nil || !IsValidationEvent(first)) {
		return Verification{}, false
	}
	code := ""
	if first != nil {
		code = first.String("data", "validationCode")
	}
	if code == "" {
		return Failed("missing validation code", &Response{
			Status: http.StatusBadRequest,
			Body:   map[string]string{"error": "Missing validation code"},
		}), true
	}
	return Handshake(Response{
		Status: http.StatusOK,
		Body:   map[string]string{"validationResponse": code},
	}), true
}

// verifyEventGrid implements the Event Grid and CloudEvents handshakes. When
// strict is set a regular first event must carry an event type.
func verifyEventGrid(r *http.Request, body []byte, strict bool) Verification {
	if r.Method == http.MethodOptions {
		return abuseProtectionHandshake(r)
	}

	first, ok := firstEvent(body)
	if v, isHandshake := validationHandshake(r, first); isHandshake {
		return v
	}
	if strict && ok && first.Type() == "" {
		return Failed("event without type", nil)
	}
	return Passed()
}
