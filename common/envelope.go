package common

// Envelope is the uniform JSON response body for every HTTP endpoint,
// API and worker alike. Exactly one of Data and Error is non-nil on a
// given response; Metadata is present only on paginated list responses.
type Envelope struct {
	Data     any           `json:"data"`
	Error    *ErrorBody    `json:"error"`
	Metadata *ListMetadata `json:"metadata"`
}

// ErrorBody is the serialized form of an application error. Issues is
// populated for validation failures, Message for everything else. Stack
// is only attached outside production.
type ErrorBody struct {
	Name    string  `json:"name"`
	Message string  `json:"message,omitempty"`
	Issues  []Issue `json:"issues,omitempty"`
	Stack   string  `json:"stack,omitempty"`
}

// Issue describes one field-level validation failure.
type Issue struct {
	Code    string `json:"code"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ListMetadata carries pagination facts for list responses.
type ListMetadata struct {
	Limit  int   `json:"limit"`
	Offset int   `json:"offset"`
	Total  int64 `json:"total"`
}

// OK wraps a payload in a success envelope.
func OK(data any) Envelope {
	return Envelope{Data: data}
}

// OKList wraps a page of results together with its pagination metadata.
func OKList(data any, limit, offset int, total int64) Envelope {
	return Envelope{Data: data, Metadata: &ListMetadata{Limit: limit, Offset: offset, Total: total}}
}

// Fail wraps an error body in a failure envelope.
func Fail(body *ErrorBody) Envelope {
	return Envelope{Error: body}
}
