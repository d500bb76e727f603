// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package registryapi

// APIResponse is the standard response wrapper of the registry API.
type APIResponse[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// SuccessResponse wraps data in a successful response.
func SuccessResponse[T any](data T) APIResponse[T] {
	return APIResponse[T]{Success: true, Data: data}
}

// ErrorResponse builds an error response with a machine-readable code.
func ErrorResponse(message, code string) APIResponse[struct{}] {
	return APIResponse[struct{}]{Success: false, Error: message, Code: code}
}

// Error codes returned by the registry API.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeNotFound       = "NOT_FOUND"
	CodeAlreadyExists  = "ALREADY_EXISTS"
	CodeIDReused       = "ID_REUSED"
	CodeUnknownParty   = "UNKNOWN_PARTY"
	CodeInternalError  = "INTERNAL_ERROR"
)
