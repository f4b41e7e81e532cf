package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cdcw/intake/internal/delivery"
	"github.com/cdcw/intake/internal/event"
	"github.com/cdcw/intake/internal/guest"
	"github.com/cdcw/intake/internal/queue"
	"github.com/cdcw/intake/internal/validation"
	"github.com/cdcw/intake/pkg/intake"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

type problemType struct {
	typeURI string
	title   string
}

const problemBase = "https://intake.cdcw.org/errors/"

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]problemType{
	http.StatusBadRequest:          {problemBase + "bad-request", "Bad Request"},
	http.StatusUnauthorized:        {problemBase + "unauthorized", "Unauthorized"},
	http.StatusNotFound:            {problemBase + "not-found", "Not Found"},
	http.StatusConflict:            {problemBase + "conflict", "Conflict"},
	http.StatusUnprocessableEntity: {problemBase + "validation-error", "Validation Error"},
	http.StatusInternalServerError: {problemBase + "internal-error", "Internal Server Error"},
	http.StatusBadGateway:          {problemBase + "ledger-error", "Ledger Error"},
	http.StatusServiceUnavailable:  {problemBase + "service-unavailable", "Service Unavailable"},
}

func lookupProblemType(status int) problemType {
	if pt, ok := problemTypes[status]; ok {
		return pt
	}
	return problemType{typeURI: problemBase + "unknown", title: http.StatusText(status)}
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	pt := lookupProblemType(status)
	writeProblemJSON(w, status, Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	})
}

// ProblemWithErrors extends Problem with validation error details.
type ProblemWithErrors struct {
	Problem
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

// WriteProblemWithErrors writes a 422 Problem Details response with field errors.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	pt := lookupProblemType(http.StatusUnprocessableEntity)
	writeProblemJSON(w, http.StatusUnprocessableEntity, ProblemWithErrors{
		Problem: Problem{
			Type:     pt.typeURI,
			Title:    pt.title,
			Status:   http.StatusUnprocessableEntity,
			Detail:   detail,
			Instance: r.URL.Path,
		},
		Errors: errs,
	})
}

func writeProblemJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}

// MapError converts station errors to Problem Details responses.
func MapError(w http.ResponseWriter, r *http.Request, err error) {
	var fieldErrs validation.Errors
	switch {
	case errors.As(err, &fieldErrs):
		WriteProblemWithErrors(w, r, "Event contains invalid fields", fieldErrs)
	case errors.Is(err, event.ErrEncoding):
		WriteProblem(w, r, http.StatusUnprocessableEntity, "Event could not be encoded")
	case errors.Is(err, intake.ErrInvalidQuantity):
		WriteProblem(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, guest.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Guest not found")
	case errors.Is(err, intake.ErrInsufficientBudget):
		WriteProblem(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, delivery.ErrUnreachable), errors.Is(err, delivery.ErrRejected):
		WriteProblem(w, r, http.StatusBadGateway, err.Error())
	case errors.Is(err, queue.ErrPersistence), errors.Is(err, intake.ErrClosed):
		slog.Error("station unavailable", "error", err, "path", r.URL.Path)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Station storage unavailable")
	default:
		slog.Error("unhandled station error", "error", err, "path", r.URL.Path)
		// Never expose internal error details to client
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}
