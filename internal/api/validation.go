package api

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/zource/zource/internal/plugin"
)

const maxSourceLength = 2048

// ValidationError represents a validation error with field information
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// InstallRequest is the body of POST /api/v1/plugins/install
type InstallRequest struct {
	// Source is a local directory, a local archive or an http(s) URL
	Source string `json:"source"`
}

// Validate checks the install request
func (r InstallRequest) Validate() ValidationErrors {
	errs := make(ValidationErrors, 0)
	source := strings.TrimSpace(r.Source)

	if source == "" {
		return append(errs, ValidationError{Field: "source", Message: "source is required"})
	}
	if len(source) > maxSourceLength {
		errs = append(errs, ValidationError{
			Field:   "source",
			Message: fmt.Sprintf("source must be at most %d characters", maxSourceLength),
		})
	}

	if strings.Contains(source, "://") {
		u, err := url.Parse(source)
		switch {
		case err != nil:
			errs = append(errs, ValidationError{Field: "source", Message: "invalid URL"})
		case u.Scheme != "http" && u.Scheme != "https":
			errs = append(errs, ValidationError{Field: "source", Message: "URL scheme must be http or https"})
		case u.Host == "":
			errs = append(errs, ValidationError{Field: "source", Message: "URL must include a host"})
		}
	}

	return errs
}

// validatePluginName checks a <vendor>/<name> pair taken from the path
func validatePluginName(vendor, name string) ValidationErrors {
	errs := make(ValidationErrors, 0)
	if !plugin.ValidName(vendor + "/" + name) {
		errs = append(errs, ValidationError{
			Field:   "name",
			Message: "plugin name must match <vendor>/<name> using lowercase letters, digits and hyphens",
		})
	}
	return errs
}
