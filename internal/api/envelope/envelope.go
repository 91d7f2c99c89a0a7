// Package envelope renders the response wrapper shared by every endpoint.
package envelope

import (
	"encoding/json"
	"net/http"
)

// Meta carries pagination details for list responses.
type Meta struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// NewMeta computes the page count for total items.
func NewMeta(page, perPage, total int) *Meta {
	pages := 0
	if perPage > 0 {
		pages = (total + perPage - 1) / perPage
	}
	return &Meta{Page: page, PerPage: perPage, Total: total, TotalPages: pages}
}

// ErrorBody is the structured error inside a failed response.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Response is the wire shape of every JSON response.
type Response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
	Meta    *Meta      `json:"meta,omitempty"`
}

// Success is a successful response with a chosen status code.
type Success struct {
	Status int
	Data   any
	Meta   *Meta
}

// OK wraps data in a 200 response.
func OK(data any) Success { return Success{Status: http.StatusOK, Data: data} }

// Created wraps data in a 201 response.
func Created(data any) Success { return Success{Status: http.StatusCreated, Data: data} }

// Accepted wraps data in a 202 response.
func Accepted(data any) Success { return Success{Status: http.StatusAccepted, Data: data} }

// Page wraps a list with its pagination metadata.
func Page(data any, meta *Meta) Success {
	return Success{Status: http.StatusOK, Data: data, Meta: meta}
}

// Encode implements the web.Encoder interface.
func (s Success) Encode() ([]byte, string, error) {
	data, err := json.Marshal(Response{Success: true, Data: s.Data, Meta: s.Meta})
	if err != nil {
		return nil, "", err
	}
	return data, "application/json", nil
}

// HTTPStatus implements the web.HTTPStatusSetter interface.
func (s Success) HTTPStatus() int { return s.Status }
