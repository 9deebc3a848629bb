// Package types holds the JSON envelopes shared by every HTTP response.
package types

// SuccessEnvelope wraps auxiliary read endpoints as {"data": ...}.
type SuccessEnvelope struct {
	Data any `json:"data"`
}

// ErrorBody is the public part of a failed request.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// Page is one slice of a keyset-paginated list. NextCursor is empty on the
// last page.
type Page[T any] struct {
	Items      []T    `json:"list"`
	NextCursor string `json:"nextCursor,omitempty"`
}
