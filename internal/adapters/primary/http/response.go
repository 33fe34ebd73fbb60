package http

import (
	"encoding/json"
	"net/http"

	"github.com/lorrc/labnotify/internal/core/domain"
)

// PaginatedResponse wraps paginated data with metadata
type PaginatedResponse[T any] struct {
	Data       []T                `json:"data"`
	Pagination PaginationMetadata `json:"pagination"`
}

// PaginationMetadata contains pagination information
type PaginationMetadata struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"hasMore"`
}

// SuccessResponse wraps a successful response
type SuccessResponse struct {
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// ListResponse wraps a list of items (non-paginated)
type ListResponse[T any] struct {
	Data  []T `json:"data"`
	Count int `json:"count"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The header is already sent; an encode failure cannot be reported.
	_ = json.NewEncoder(w).Encode(v)
}

// WriteSuccess writes a success response
func WriteSuccess(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusOK, SuccessResponse{Data: data})
}

// WriteNoContent writes a no content response
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// WritePage writes one page of a listing. A full page reports that more may follow.
func WritePage[T any](w http.ResponseWriter, data []T, page domain.Page) {
	if data == nil {
		data = []T{}
	}
	WriteJSON(w, http.StatusOK, PaginatedResponse[T]{
		Data: data,
		Pagination: PaginationMetadata{
			Limit:   page.Limit,
			Offset:  page.Offset,
			HasMore: len(data) == page.Limit,
		},
	})
}

// WriteList writes a simple list response
func WriteList[T any](w http.ResponseWriter, data []T) {
	if data == nil {
		data = []T{}
	}
	WriteJSON(w, http.StatusOK, ListResponse[T]{
		Data:  data,
		Count: len(data),
	})
}
