package app

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"catalog/api/internal/catalog"
	"catalog/api/internal/query"
	"catalog/api/internal/rbac"
)

const maxBodyBytes = 1 << 20

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("role", func(fl validator.FieldLevel) bool {
		return rbac.Role(fl.Field().String()).Valid()
	})
	return v
}

type categoryInput struct {
	NameKey         string   `json:"nameKey" validate:"required,max=200"`
	IconName        string   `json:"iconName" validate:"omitempty,max=100"`
	ViewPermissions []string `json:"viewPermissions" validate:"dive,role"`
}

func (in categoryInput) category(id string) catalog.Category {
	return catalog.Category{
		ID:              id,
		NameKey:         in.NameKey,
		IconName:        in.IconName,
		ViewPermissions: rbac.ParseRoleSet(in.ViewPermissions),
	}
}

type tagInput struct {
	Name  string `json:"name" validate:"required,max=100"`
	Color string `json:"color" validate:"omitempty,hexcolor"`
}

// documentInput checks the typed part of a create body. The body itself is
// stored as sent, after sanitizing.
type documentInput struct {
	Title               string   `json:"title" validate:"required_without=TitleKey,max=500"`
	TitleKey            string   `json:"titleKey" validate:"omitempty,max=200"`
	CategoryKey         string   `json:"categoryKey" validate:"required"`
	TagIDs              []string `json:"tagIds" validate:"dive,required"`
	ViewPermissions     []string `json:"viewPermissions" validate:"dive,role"`
	DownloadPermissions []string `json:"downloadPermissions" validate:"dive,role"`
}

type documentPatch struct {
	Title               *string  `json:"title" validate:"omitempty,max=500"`
	CategoryKey         *string  `json:"categoryKey" validate:"omitempty,min=1"`
	TagIDs              []string `json:"tagIds" validate:"dive,required"`
	ViewPermissions     []string `json:"viewPermissions" validate:"dive,role"`
	DownloadPermissions []string `json:"downloadPermissions" validate:"dive,role"`
}

type stateRequest struct {
	ViewID  string         `json:"viewId"`
	Mode    string         `json:"mode" validate:"omitempty,oneof=browse full"`
	Action  *query.Action  `json:"action"`
	Actions []query.Action `json:"actions" validate:"dive"`
}

func (r stateRequest) all() []query.Action {
	out := make([]query.Action, 0, len(r.Actions)+1)
	if r.Action != nil {
		out = append(out, *r.Action)
	}
	return append(out, r.Actions...)
}

type roleInput struct {
	Role string `json:"role" validate:"required,role"`
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(raw) > maxBodyBytes {
		return nil, fmt.Errorf("body exceeds %d bytes", maxBodyBytes)
	}
	return raw, nil
}

// decodeValidated decodes a JSON body into target and runs its validate tags.
func decodeValidated(r *http.Request, target any) error {
	raw, err := readBody(r)
	if err != nil {
		return domainError(http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
	}
	return unmarshalValidated(raw, target)
}

func unmarshalValidated(raw []byte, target any) error {
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, target); err != nil {
			return domainError(http.StatusBadRequest, "INVALID_BODY", "invalid JSON body", nil)
		}
	}
	return validate.Struct(target)
}

// decodeFields reads a JSON object body both as loose fields, for storage,
// and into typed, for validation.
func decodeFields(r *http.Request, typed any) (map[string]any, error) {
	raw, err := readBody(r)
	if err != nil {
		return nil, domainError(http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
	}
	fields := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, domainError(http.StatusBadRequest, "INVALID_BODY", "body must be a JSON object", nil)
		}
	}
	if err := unmarshalValidated(raw, typed); err != nil {
		return nil, err
	}
	return fields, nil
}
