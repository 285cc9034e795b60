package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/roomstate/internal/roomstate"
)

// writeRequestSchema only guards the envelope. The workspace and readings
// members are normalized by the store, never rejected.
const writeRequestSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"knownRevision": {
			"type": ["integer", "null"],
			"minimum": 0,
			"maximum": 9007199254740991
		}
	}
}`

const writeRequestSchemaURL = "https://roomstate.invalid/schemas/write-request.json"

var compiledWriteSchema = mustCompileSchema(writeRequestSchemaURL, writeRequestSchema)

func mustCompileSchema(url, source string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		panic(fmt.Sprintf("parse schema %s: %v", url, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, doc); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", url, err))
	}
	return compiler.MustCompile(url)
}

// decodeWriteRequest validates a PUT body and returns the store request with
// the workspace and readings still in decoded form.
func decodeWriteRequest(body []byte) (roomstate.WriteRequest, error) {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return roomstate.WriteRequest{}, errors.New("invalid json body")
	}
	if err := compiledWriteSchema.Validate(instance); err != nil {
		return roomstate.WriteRequest{}, fmt.Errorf("invalid write request: %v", err)
	}
	record := instance.(map[string]any)

	req := roomstate.WriteRequest{
		Workspace: record["workspace"],
		Readings:  record["readings"],
	}
	if raw, ok := record["knownRevision"].(json.Number); ok {
		revision, err := integralNumber(raw)
		if err != nil {
			return roomstate.WriteRequest{}, fmt.Errorf("invalid knownRevision: %v", err)
		}
		req.KnownRevision = &revision
	}
	return req, nil
}

// integralNumber accepts forms such as 3, 3.0 and 3e0 that the schema
// already classified as integers.
func integralNumber(raw json.Number) (int64, error) {
	if v, err := raw.Int64(); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(raw.String(), 64)
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}
