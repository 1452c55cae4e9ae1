package api

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json openapi.yaml
var schemaFS embed.FS

const maxBodyBytes = 1 << 20

// Schema names under schemas/.
const (
	SchemaSpeak     = "speak"
	SchemaTierRoute = "tier_route"
)

// Schemas holds the compiled request schemas.
type Schemas struct {
	byName map[string]*jsonschema.Schema
}

// LoadSchemas compiles every embedded schema.
func LoadSchemas() (*Schemas, error) {
	s := &Schemas{byName: make(map[string]*jsonschema.Schema)}
	for _, name := range []string{SchemaSpeak, SchemaTierRoute} {
		data, err := schemaFS.ReadFile("schemas/" + name + ".schema.json")
		if err != nil {
			return nil, err
		}
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://speechgate.schemas.local/%s.schema.json", name)
		if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("schema %s load failed: %w", name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("schema %s compile failed: %w", name, err)
		}
		s.byName[name] = compiled
	}
	return s, nil
}

// Validate checks a decoded JSON document and returns one line per
// violation.
func (s *Schemas) Validate(name string, doc interface{}) []string {
	schema, ok := s.byName[name]
	if !ok {
		return []string{"unknown schema " + name}
	}
	err := schema.Validate(doc)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []string{err.Error()}
	}
	var out []string
	collectLeaves(ve, &out)
	return out
}

func collectLeaves(ve *jsonschema.ValidationError, out *[]string) {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		*out = append(*out, loc+": "+ve.Message)
		return
	}
	for _, c := range ve.Causes {
		collectLeaves(c, out)
	}
}

// errBadBody is returned for bodies that are not a JSON document.
var errBadBody = errors.New("request body must be a JSON object")

// decodeValidated reads the body once, validates it against the named
// schema and decodes it into dst. A non-nil violations slice means 422.
func (s *Schemas) decodeValidated(w http.ResponseWriter, r *http.Request, name string, dst interface{}) (violations []string, err error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, errBadBody
	}
	if v := s.Validate(name, doc); len(v) > 0 {
		return v, nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadBody, err)
	}
	return nil, nil
}
