// Copyright 2025 The Tessera Authors
// SPDX-License-Identifier: Apache-2.0

package siteapi

// RequesterHeader carries the identifier of the party or site a request
// is made on behalf of.
const RequesterHeader = "X-Tessera-Requester"

// APIResponse is the standard response wrapper of the site API.
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

// JobResponse reports a submitted job and its lifecycle state.
type JobResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Error codes returned by the site API.
const (
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeMissingRequester = "MISSING_REQUESTER"
	CodeAssetNotFound    = "ASSET_NOT_FOUND"
	CodeAccessDenied     = "ACCESS_DENIED"
	CodeDuplicateAsset   = "DUPLICATE_ASSET"
	CodeInvalidPlan      = "INVALID_PLAN"
	CodeIllegalJob       = "ILLEGAL_JOB"
	CodeJobNotFound      = "JOB_NOT_FOUND"
	CodeNoPolicy         = "NO_POLICY"
	CodeRuleNotFound     = "RULE_NOT_FOUND"
	CodeInternalError    = "INTERNAL_ERROR"
)
