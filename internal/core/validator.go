package core

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"chimenotify/internal/types"
)

// Validator wraps go-playground/validator and registers the webhook rules.
type Validator struct {
	validate  *validator.Validate
	logger    *slog.Logger
	allowHTTP bool
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithInsecureWebhooks lets https_url accept plain http URLs. Only used when
// CHIME_REQUIRE_HTTPS is off (local receivers).
func WithInsecureWebhooks(allow bool) ValidatorOption {
	return func(v *Validator) {
		v.allowHTTP = allow
	}
}

// NewValidator creates a new Validator and registers custom validation tags:
//   - https_url: absolute URL with an https scheme and a host
//   - build_status: a recognized BuildStatus
func NewValidator(logger *slog.Logger, opts ...ValidatorOption) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Validator{
		validate: validator.New(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(v)
	}

	// Report JSON field names rather than Go field names.
	v.validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})

	// Registration only fails for empty tags or nil funcs.
	_ = v.validate.RegisterValidation("https_url", v.validateHTTPSURL)
	_ = v.validate.RegisterValidation("build_status", validateBuildStatus)

	return v
}

// ValidateStruct validates s and returns a validation AppError listing the
// failing fields, or nil.
func (v *Validator) ValidateStruct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		v.logger.Error("validator misuse", "error", err)
		return types.NewAppError(types.ErrCodeInternalUnexpected, "validation could not be performed", err)
	}

	fields := make(map[string]any, len(verrs))
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
	}

	return types.NewAppErrorWithDetails(
		codeForValidation(verrs),
		strings.Join(msgs, "; "),
		err,
		map[string]any{"fields": fields},
	)
}

// codeForValidation picks the most specific error code for the first failure.
func codeForValidation(verrs validator.ValidationErrors) types.ErrorCode {
	for _, fe := range verrs {
		switch fe.Tag() {
		case "https_url", "url":
			return types.ErrCodeValidationInvalidWebhook
		case "build_status":
			return types.ErrCodeValidationInvalidStatus
		case "required":
			return types.ErrCodeValidationMissingField
		}
	}
	return types.ErrCodeValidationInvalidPrefs
}

func (v *Validator) validateHTTPSURL(fl validator.FieldLevel) bool {
	raw := fl.Field().String()
	if raw == "" {
		// Leave emptiness to "required".
		return true
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	switch u.Scheme {
	case "https":
		return true
	case "http":
		return v.allowHTTP
	default:
		return false
	}
}

func validateBuildStatus(fl validator.FieldLevel) bool {
	return types.BuildStatus(fl.Field().String()).IsValid()
}
