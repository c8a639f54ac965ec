// Package validation rejects request bodies that do not conform to the JSON
// schema attached to a route. Schemas are compiled once at route compile time.
package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/wudi/fabric/internal/errors"
	"github.com/wudi/fabric/internal/middleware"
)

// Compile parses and compiles an inline JSON schema document.
func Compile(schemaJSON string) (*jsonschema.Schema, error) {
	var doc interface{}
	if err := json.Unmarshal([]byte(schemaJSON), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse JSON schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return schema, nil
}

// Validate checks the request body against the schema, restoring the body for
// downstream handlers. A nil error means the body conforms.
func Validate(schema *jsonschema.Schema, r *http.Request) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required")
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("failed to read request body")
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	if len(body) == 0 {
		return fmt.Errorf("request body is required")
	}

	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return fmt.Errorf("invalid JSON body: %s", err.Error())
	}

	if err := schema.Validate(data); err != nil {
		return fmt.Errorf("validation failed: %s", err.Error())
	}
	return nil
}

// Middleware builds the body-validation filter for a compiled schema.
func Middleware(schema *jsonschema.Schema) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := Validate(schema, r); err != nil {
				errors.ErrBadRequest.WithMessage(err.Error()).WriteJSON(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
