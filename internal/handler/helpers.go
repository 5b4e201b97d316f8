package handler

import (
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/bandroom-chat/internal/apperror"
	"github.com/noah-isme/bandroom-chat/internal/middleware"
	"github.com/noah-isme/bandroom-chat/internal/service"
	"github.com/noah-isme/bandroom-chat/internal/utils"
)

func parseQueryInt(c *fiber.Ctx, key string) (int, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, err
	}
	return parsed, nil
}

func userIDFromContext(c *fiber.Ctx) string {
	if v, ok := c.Locals("user_id").(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
	}
	return &logger
}

// bindAndValidate parses the body into dst and runs struct validation. Failures
// come back as validation errors for respondError.
func bindAndValidate(c *fiber.Ctx, validate *validator.Validate, dst interface{}) error {
	if err := c.BodyParser(dst); err != nil {
		return apperror.Validation("request", "invalid payload")
	}
	return validateStruct(validate, dst)
}

func validateStruct(validate *validator.Validate, dst interface{}) error {
	if err := validate.Struct(dst); err != nil {
		if details := validationDetails(err); len(details) > 0 {
			fields := make([]string, 0, len(details))
			for field, tag := range details {
				fields = append(fields, field+" ("+tag+")")
			}
			sort.Strings(fields)
			return apperror.Validation("request", "invalid fields: "+strings.Join(fields, ", "))
		}
		return apperror.Validation("request", err.Error())
	}
	return nil
}

func validationDetails(err error) map[string]string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return nil
	}
	details := make(map[string]string, len(validationErrors))
	for _, fieldErr := range validationErrors {
		details[fieldErr.Field()] = fieldErr.Tag()
	}
	return details
}

// respondError maps the error taxonomy onto HTTP statuses; 5xx are logged.
func respondError(c *fiber.Ctx, logger zerolog.Logger, err error) error {
	status := apperror.HTTPStatus(err)
	code := string(apperror.KindOf(err))

	var sendErr *apperror.SendError
	if errors.As(err, &sendErr) {
		code = string(sendErr.Reason)
	}

	if status >= fiber.StatusInternalServerError {
		requestLogger(logger, c).Error().Err(err).Int("status", status).Msg("chat request failed")
		if code == "" {
			return utils.FailWithCode(c, status, "internal", "internal server error")
		}
	}
	return utils.FailWithCode(c, status, code, err.Error())
}

// imageFromForm reads an optional "image" multipart file, bounded by maxBytes.
func imageFromForm(c *fiber.Ctx, maxBytes int64) (*service.ImageUpload, error) {
	form, err := c.MultipartForm()
	if err != nil || form == nil {
		return nil, nil
	}
	files := form.File["image"]
	if len(files) == 0 {
		return nil, nil
	}

	header := files[0]
	if maxBytes > 0 && header.Size > maxBytes {
		return nil, apperror.Validation("message.send", "image exceeds the size limit")
	}
	file, err := header.Open()
	if err != nil {
		return nil, apperror.Validation("message.send", "image could not be read")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, apperror.Validation("message.send", "image could not be read")
	}
	return &service.ImageUpload{Filename: header.Filename, Data: data}, nil
}
