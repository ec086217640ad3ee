package persistence

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ColumnType selects how a column is encoded in SQLite.
type ColumnType int

const (
	TypeText ColumnType = iota
	TypeJSON
	TypeTime
	TypeInt
	TypeFloat
)

// JSON column shapes.
const (
	ShapeAny    = ""
	ShapeObject = "object"
	ShapeArray  = "array"
)

// Column describes one stored attribute of a Kind.
type Column struct {
	Name     string
	Type     ColumnType
	Nullable bool
	NonEmpty bool     // text only
	Enum     []string // text only
	Shape    string   // JSON only
	// Default supplies the value when an upsert omits the column. nil means NULL.
	Default func(now time.Time) any
}

// Kind describes a record table: its id column, ordered columns and the
// JSON Schema every written record must satisfy.
type Kind struct {
	Name    string
	Table   string
	ID      string
	Columns []Column

	index  map[string]int
	schema *jsonschema.Schema
}

// Column looks up a column by name.
func (k *Kind) Column(name string) (Column, bool) {
	i, ok := k.index[name]
	if !ok {
		return Column{}, false
	}
	return k.Columns[i], true
}

// HasUpdatedAt reports whether writes to the kind refresh updated_at.
func (k *Kind) HasUpdatedAt() bool {
	_, ok := k.index["updated_at"]
	return ok
}

func defaultNow(now time.Time) any { return now }
func defaultObject(time.Time) any { return map[string]any{} }
func defaultList(time.Time) any { return []any{} }
func defaultString(v string) func(time.Time) any {
	return func(time.Time) any { return v }
}

func idColumn(name string) Column {
	return Column{Name: name, Type: TypeText, NonEmpty: true}
}

func text(name string) Column { return Column{Name: name, Type: TypeText} }
func optText(name string) Column { return Column{Name: name, Type: TypeText, Nullable: true} }
func refText(name string) Column { return Column{Name: name, Type: TypeText, NonEmpty: true} }
func optTime(name string) Column { return Column{Name: name, Type: TypeTime, Nullable: true} }
func stamp(name string) Column { return Column{Name: name, Type: TypeTime, Default: defaultNow} }
func object(name string) Column { return Column{Name: name, Type: TypeJSON, Shape: ShapeObject, Nullable: true, Default: defaultObject} }
func list(name string) Column { return Column{Name: name, Type: TypeJSON, Shape: ShapeArray, Nullable: true, Default: defaultList} }
func statusText(name string) Column { return Column{Name: name, Type: TypeText, Default: defaultString("pending")} }

var (
	KindTask = mustKind("task", "research_tasks", "task_id",
		idColumn("task_id"),
		text("title"),
		optText("description"),
		optText("query"),
		statusText("status"),
		stamp("created_at"),
		stamp("updated_at"),
		optTime("completed_at"),
		object("metadata"),
		object("decomposition"),
		object("plan"),
		object("results"),
		object("summary"),
		object("reasoning"),
	)

	KindSubtask = mustKind("subtask", "research_subtasks", "subtask_id",
		idColumn("subtask_id"),
		refText("task_id"),
		text("topic"),
		optText("description"),
		statusText("status"),
		optText("assigned_agent"),
		stamp("created_at"),
		stamp("updated_at"),
		optTime("completed_at"),
		list("key_questions"),
		list("search_results"),
	)

	KindArtifact = mustKind("artifact", "artifacts", "artifact_id",
		idColumn("artifact_id"),
		optText("task_id"),
		optText("subtask_id"),
		text("title"),
		Column{Name: "type", Type: TypeText, NonEmpty: true, Default: defaultString(string(ArtifactFile))},
		Column{Name: "format", Type: TypeText, NonEmpty: true, Default: defaultString("unknown")},
		optText("file_path"),
		Column{Name: "content", Type: TypeJSON, Nullable: true},
		object("metadata"),
		stamp("created_at"),
		stamp("updated_at"),
		Column{Name: "size_bytes", Type: TypeInt, Nullable: true},
		optText("checksum"),
	)

	KindSource = mustKind("source", "sources", "source_id",
		idColumn("source_id"),
		optText("url"),
		optText("title"),
		optText("description"),
		optText("source_type"),
		optText("provider"),
		stamp("accessed_at"),
		object("metadata"),
		optText("content_hash"),
		Column{Name: "reliability_score", Type: TypeFloat, Nullable: true},
	)

	KindCachedResult = mustKind("cached_result", "search_results", "result_id",
		idColumn("result_id"),
		text("query"),
		text("provider"),
		Column{Name: "results", Type: TypeJSON, Shape: ShapeArray},
		stamp("created_at"),
		Column{Name: "expires_at", Type: TypeTime},
		object("metadata"),
	)

	KindOperation = mustKind("operation", "task_operations", "operation_id",
		idColumn("operation_id"),
		refText("task_id"),
		Column{Name: "operation_type", Type: TypeText, NonEmpty: true},
		text("operation_name"),
		Column{Name: "status", Type: TypeText, Enum: operationStatuses, Default: defaultString(string(OperationPending))},
		optText("agent_type"),
		stamp("created_at"),
		optTime("started_at"),
		optTime("completed_at"),
		Column{Name: "duration_ms", Type: TypeInt, Nullable: true},
		object("input_data"),
		Column{Name: "output_data", Type: TypeJSON, Shape: ShapeObject, Nullable: true},
		optText("error_message"),
		object("metadata"),
	)

	KindEvidence = mustKind("evidence", "operation_evidence", "evidence_id",
		idColumn("evidence_id"),
		refText("operation_id"),
		Column{Name: "evidence_type", Type: TypeText, NonEmpty: true},
		Column{Name: "evidence_data", Type: TypeJSON},
		optText("source_url"),
		optText("provider"),
		stamp("created_at"),
		Column{Name: "size_bytes", Type: TypeInt},
		object("metadata"),
	)

	KindDependency = mustKind("dependency", "operation_dependencies", "dependency_id",
		idColumn("dependency_id"),
		refText("operation_id"),
		refText("depends_on_operation_id"),
		Column{Name: "dependency_type", Type: TypeText, Enum: dependencyTypes, Default: defaultString(string(DependencySequential))},
		stamp("created_at"),
	)
)

// Kinds lists every record kind in schema order.
func Kinds() []*Kind {
	return []*Kind{KindTask, KindSubtask, KindArtifact, KindSource, KindCachedResult, KindOperation, KindEvidence, KindDependency}
}

func mustKind(name, table, id string, cols ...Column) *Kind {
	k := &Kind{Name: name, Table: table, ID: id, Columns: cols, index: make(map[string]int, len(cols))}
	for i, c := range cols {
		k.index[c.Name] = i
	}
	if _, ok := k.index[id]; !ok {
		panic(fmt.Sprintf("kind %s: id column %q not declared", name, id))
	}
	schema, err := compileKindSchema(k)
	if err != nil {
		panic(fmt.Sprintf("kind %s: %v", name, err))
	}
	k.schema = schema
	return k
}

// compileKindSchema derives the record schema from the column list. Records
// are fully defaulted before validation, so nothing is marked required; the
// same schema also checks partial updates.
func compileKindSchema(k *Kind) (*jsonschema.Schema, error) {
	props := make(map[string]any, len(k.Columns))
	for _, c := range k.Columns {
		props[c.Name] = columnSchema(c)
	}
	doc := map[string]any{
		"$schema":              "https://json-schema.org/draft/2020-12/schema",
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	url := k.Name + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, parsed); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func columnSchema(c Column) map[string]any {
	s := map[string]any{}
	var typ string
	switch c.Type {
	case TypeText, TypeTime:
		typ = "string"
	case TypeInt:
		typ = "integer"
	case TypeFloat:
		typ = "number"
	case TypeJSON:
		typ = c.Shape
	}
	switch {
	case typ == "" && !c.Nullable:
		s["not"] = map[string]any{"type": "null"}
	case typ != "" && c.Nullable:
		s["type"] = []string{typ, "null"}
	case typ != "":
		s["type"] = typ
	}
	if c.NonEmpty || (c.Type == TypeTime && !c.Nullable) {
		s["minLength"] = 1
	}
	if len(c.Enum) > 0 {
		enum := make([]any, 0, len(c.Enum)+1)
		for _, v := range c.Enum {
			enum = append(enum, v)
		}
		if c.Nullable {
			enum = append(enum, nil)
		}
		s["enum"] = enum
	}
	return s
}
