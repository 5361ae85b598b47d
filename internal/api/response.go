package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"

	"github.com/zource/zource/internal/plugin"
)

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

// ErrorInfo represents error information in a response
type ErrorInfo struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details []ValidationError `json:"details,omitempty"`
}

// Meta carries list metadata
type Meta struct {
	Total int `json:"total"`
}

// JSON sends a JSON response
func JSON(w http.ResponseWriter, status int, data interface{}) {
	JSONWithMeta(w, status, data, nil)
}

// JSONWithMeta sends a JSON response with metadata
func JSONWithMeta(w http.ResponseWriter, status int, data interface{}, meta *Meta) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{
		Success: status >= 200 && status < 300,
		Data:    data,
		Meta:    meta,
	})
}

// Error sends an error response
func Error(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{
		Success: false,
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
		},
	})
}

// ValidationErrorResponse sends a validation error response
func ValidationErrorResponse(w http.ResponseWriter, errors ValidationErrors) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(Response{
		Success: false,
		Error: &ErrorInfo{
			Code:    "VALIDATION_ERROR",
			Message: "Request validation failed",
			Details: errors,
		},
	})
}

// Common error responses
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, "BAD_REQUEST", message)
}

func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, "NOT_FOUND", message)
}

func InternalError(w http.ResponseWriter, message string) {
	Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", message)
}

// OK sends a 200 OK response
func OK(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusOK, data)
}

// NoContent sends a 204 No Content response
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// List sends a list response with its total
func List(w http.ResponseWriter, items interface{}, total int) {
	JSONWithMeta(w, http.StatusOK, items, &Meta{Total: total})
}

type errorMapping struct {
	target error
	status int
	code   string
}

// First match wins
var errorMappings = []errorMapping{
	{plugin.ErrPluginNotFound, http.StatusNotFound, "NOT_FOUND"},
	{plugin.ErrMissingManifest, http.StatusUnprocessableEntity, "MISSING_MANIFEST"},
	{plugin.ErrMissingField, http.StatusUnprocessableEntity, "MISSING_FIELD"},
	{plugin.ErrInvalidName, http.StatusUnprocessableEntity, "INVALID_NAME"},
	{plugin.ErrInvalidManifest, http.StatusUnprocessableEntity, "INVALID_MANIFEST"},
	{plugin.ErrCorruptArchive, http.StatusUnprocessableEntity, "CORRUPT_ARCHIVE"},
	{plugin.ErrDownloadFailed, http.StatusBadGateway, "DOWNLOAD_FAILED"},
	{plugin.ErrCleanupError, http.StatusInternalServerError, "CLEANUP_ERROR"},
	{plugin.ErrPersistence, http.StatusInternalServerError, "PERSISTENCE_ERROR"},
	{os.ErrNotExist, http.StatusBadRequest, "SOURCE_NOT_FOUND"},
}

// StatusFor maps an error to its HTTP status and error code
func StatusFor(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}

// WriteError sends err with the status and code it maps to
func WriteError(w http.ResponseWriter, err error) {
	status, code := StatusFor(err)
	Error(w, status, code, err.Error())
}
