package schema

import (
	"bytes"
	"embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFiles embed.FS

var schemaFileByOperation = map[Operation]string{
	OperationUpsertEvent: "schemas/upsert_event.json",
	OperationCancelEvent: "schemas/cancel_event.json",
	OperationRebuildAll:  "schemas/rebuild_all.json",
}

var (
	compileOnce sync.Once
	compiled    map[Operation]*jsonschema.Schema
	compileErr  error
)

func compileSchemas() {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	compiled = make(map[Operation]*jsonschema.Schema, len(schemaFileByOperation))
	for op, name := range schemaFileByOperation {
		data, err := schemaFiles.ReadFile(name)
		if err != nil {
			compileErr = err
			return
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			compileErr = fmt.Errorf("failed to parse %s: %w", name, err)
			return
		}
		if err := c.AddResource(name, doc); err != nil {
			compileErr = fmt.Errorf("failed to add %s: %w", name, err)
			return
		}
		sch, err := c.Compile(name)
		if err != nil {
			compileErr = fmt.Errorf("failed to compile %s: %w", name, err)
			return
		}
		compiled[op] = sch
	}
}

func validatePayload(op Operation, raw []byte) error {
	compileOnce.Do(compileSchemas)
	if compileErr != nil {
		return compileErr
	}
	sch, ok := compiled[op]
	if !ok {
		return fmt.Errorf("no schema for %s", op)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return sch.Validate(inst)
}
