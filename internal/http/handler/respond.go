package handler

import (
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/cropwatch/device-auth/internal/service"
)

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
	}
}

func respondError(c *gin.Context, err error) {
	public := service.PublicError(err)
	if public.Status >= http.StatusInternalServerError {
		zap.L().Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.JSON(public.Status, gin.H{"error": public.Code, "error_description": public.Description})
}

func respondBadRequest(c *gin.Context, description string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": description})
}

// respondBindError reports payload validation failures per field.
func respondBindError(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		respondBadRequest(c, "Request body is not valid JSON.")
		return
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = describe(fe)
	}
	c.JSON(http.StatusBadRequest, gin.H{
		"error":             "invalid_request",
		"error_description": "Request payload failed validation.",
		"fields":            fields,
	})
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "gt", "gte", "lt", "lte", "min", "max":
		return "must be " + fe.Tag() + " " + fe.Param()
	default:
		return "is invalid"
	}
}
