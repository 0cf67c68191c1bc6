package openapi

import (
	"net/http"
	"reflect"
	"slices"
	"strconv"
	"strings"
)

type generatorConfig struct {
	openAPIVersion string
	info           openapiInfo
	contentType    string
	// errorComponent is the schema referenced by every non-200 response.
	errorComponent string
	operations     []operationConfig
	components     []namedType
}

type namedType struct {
	name string
	typ  reflect.Type
}

type openapiInfo struct {
	Title       string
	Version     string
	Description string
}

type operationConfig struct {
	Path        string
	Method      string
	OperationID string
	Summary     string
	Parameters  []parameterConfig
	// Response names the component schema returned with 200.
	Response string
	Errors   []errorStatus
}

type parameterConfig struct {
	Name        string
	In          string
	Type        string
	Description string
	Required    bool
}

type errorStatus struct {
	Code        string
	Description string
}

func defaultGeneratorConfig() generatorConfig {
	return generatorConfig{
		openAPIVersion: "3.0.3",
		info:           openapiInfo{Title: "Scene Stage API", Version: "1.0.0"},
		contentType:    "application/json",
	}
}

// GeneratorOption configures the generated document.
type GeneratorOption func(*generatorConfig)

// WithOpenAPIVersion sets the document version string. The default is 3.0.3.
func WithOpenAPIVersion(version string) GeneratorOption {
	return func(cfg *generatorConfig) {
		if v := strings.TrimSpace(version); v != "" {
			cfg.openAPIVersion = v
		}
	}
}

// InfoOption sets optional fields of the info section.
type InfoOption func(*openapiInfo)

func WithInfoDescription(description string) InfoOption {
	return func(info *openapiInfo) { info.Description = description }
}

// WithInfo names the API. Blank title or version keeps the default.
func WithInfo(title, version string, opts ...InfoOption) GeneratorOption {
	return func(cfg *generatorConfig) {
		cfg.info.Title = cmpOr(title, cfg.info.Title)
		cfg.info.Version = cmpOr(version, cfg.info.Version)
		for _, opt := range opts {
			if opt != nil {
				opt(&cfg.info)
			}
		}
	}
}

// WithContentType sets the media type of response bodies.
func WithContentType(contentType string) GeneratorOption {
	return func(cfg *generatorConfig) {
		cfg.contentType = cmpOr(contentType, cfg.contentType)
	}
}

// WithErrorComponent makes error responses reference the named component.
// Without it, error responses carry a description only.
func WithErrorComponent(name string) GeneratorOption {
	return func(cfg *generatorConfig) { cfg.errorComponent = name }
}

// WithComponent publishes the schema of sample's type under name.
func WithComponent(name string, sample any) GeneratorOption {
	return func(cfg *generatorConfig) {
		if name == "" || sample == nil {
			return
		}
		cfg.components = append(cfg.components, namedType{name: name, typ: reflect.TypeOf(sample)})
	}
}

// WithOperation registers method on path. The operation id defaults to
// "method:path"; the method defaults to get.
func WithOperation(path, method, operationID string, opts ...OperationOption) GeneratorOption {
	return func(cfg *generatorConfig) {
		if path == "" {
			return
		}
		op := operationConfig{
			Path:        path,
			Method:      cmpOr(strings.ToLower(method), "get"),
			OperationID: operationID,
		}
		for _, opt := range opts {
			if opt != nil {
				opt(&op)
			}
		}
		cfg.operations = append(cfg.operations, op)
	}
}

// OperationOption configures one operation.
type OperationOption func(*operationConfig)

func WithOperationSummary(summary string) OperationOption {
	return func(op *operationConfig) { op.Summary = summary }
}

// WithPathParameter declares a required string path parameter.
func WithPathParameter(name, description string) OperationOption {
	return func(op *operationConfig) {
		op.Parameters = append(op.Parameters, parameterConfig{
			Name: name, In: "path", Type: "string", Description: description, Required: true,
		})
	}
}

// WithQueryParameter declares an optional query parameter; typ is a JSON
// schema type and defaults to string.
func WithQueryParameter(name, typ, description string) OperationOption {
	return func(op *operationConfig) {
		op.Parameters = append(op.Parameters, parameterConfig{
			Name: name, In: "query", Type: cmpOr(typ, "string"), Description: description,
		})
	}
}

// WithResponseComponent sets the component returned with 200.
func WithResponseComponent(name string) OperationOption {
	return func(op *operationConfig) { op.Response = name }
}

// WithErrorStatus documents an error status the operation can return. An
// empty description uses the HTTP status text. Repeated codes keep the
// last description.
func WithErrorStatus(code int, description string) OperationOption {
	return func(op *operationConfig) {
		status := errorStatus{
			Code:        strconv.Itoa(code),
			Description: cmpOr(description, http.StatusText(code)),
		}
		op.Errors = slices.DeleteFunc(op.Errors, func(e errorStatus) bool { return e.Code == status.Code })
		op.Errors = append(op.Errors, status)
	}
}

func cmpOr(v, fallback string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return fallback
}
