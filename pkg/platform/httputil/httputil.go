// Package httputil holds the JSON plumbing shared by every HTTP handler.
package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

type errorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response body", "err", err)
	}
}

// WriteError writes the standard error envelope. Pass an empty description
// to omit it; internal errors should, so server detail never leaks.
func WriteError(w http.ResponseWriter, status int, code, description string) {
	WriteJSON(w, status, errorBody{Error: code, Description: description})
}

// Decode reads a JSON request body into T, answering 400 itself on
// malformed input. Unknown fields are rejected so client typos fail loudly.
func Decode[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		WriteError(w, http.StatusBadRequest, "bad_request", "malformed JSON body: "+err.Error())
		return v, false
	}
	return v, true
}
