package main

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"docintel/pkg/domain"
)

type openAPIDoc struct {
	Components struct {
		Schemas map[string]schema `yaml:"schemas"`
	} `yaml:"components"`
}

type schema struct {
	Type       string            `yaml:"type"`
	Ref        string            `yaml:"$ref"`
	Properties map[string]schema `yaml:"properties"`
	Required   []string          `yaml:"required"`
	Items      *schema           `yaml:"items"`
}

// wireTypes are the JSON bodies the session API writes, keyed by schema name.
var wireTypes = map[string]reflect.Type{
	"SessionView":    reflect.TypeOf(domain.SessionView{}),
	"DocumentInfo":   reflect.TypeOf(domain.DocumentInfo{}),
	"AnalysisResult": reflect.TypeOf(domain.AnalysisResult{}),
	"ChatTurn":       reflect.TypeOf(domain.ChatTurn{}),
	"Transcript":     reflect.TypeOf(domain.Transcript{}),
}

var timeType = reflect.TypeOf(time.Time{})

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <session-openapi.yaml>\n", os.Args[0])
		os.Exit(2)
	}
	if err := run(os.Args[1]); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	fmt.Println("OpenAPI consistency check passed.")
}

func run(path string) error {
	doc, err := loadDoc(path)
	if err != nil {
		return err
	}
	errResp, err := getSchema(doc, "ErrorResponse")
	if err != nil {
		return err
	}
	if err := validateErrorResponse(errResp); err != nil {
		return err
	}
	names := make([]string, 0, len(wireTypes))
	for name := range wireTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s, err := getSchema(doc, name)
		if err != nil {
			return err
		}
		if err := matchStruct(name, s, wireTypes[name]); err != nil {
			return err
		}
	}
	return nil
}

func loadDoc(path string) (openAPIDoc, error) {
	var doc openAPIDoc
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func getSchema(doc openAPIDoc, name string) (schema, error) {
	if doc.Components.Schemas == nil {
		return schema{}, errors.New("components.schemas missing")
	}
	s, ok := doc.Components.Schemas[name]
	if !ok {
		return schema{}, fmt.Errorf("schema %q missing", name)
	}
	return s, nil
}

func validateErrorResponse(s schema) error {
	if s.Type != "object" {
		return errors.New("ErrorResponse must be object")
	}
	required := makeSet(s.Required)
	for _, field := range []string{"error", "code"} {
		if !required[field] {
			return fmt.Errorf("ErrorResponse.required must include %q", field)
		}
		if prop, ok := s.Properties[field]; !ok || prop.Type != "string" {
			return fmt.Errorf("ErrorResponse.%s must be string", field)
		}
	}
	if prop, ok := s.Properties["requestId"]; !ok || prop.Type != "string" {
		return errors.New("ErrorResponse.requestId must be string")
	}
	if prop, ok := s.Properties["session"]; !ok || strings.TrimSpace(prop.Ref) != "#/components/schemas/SessionView" {
		return errors.New("ErrorResponse.session must reference SessionView")
	}
	return nil
}

// matchStruct checks that the schema lists exactly the JSON fields of t and
// requires exactly those not tagged omitempty.
func matchStruct(name string, s schema, t reflect.Type) error {
	if s.Type != "object" {
		return fmt.Errorf("%s must be object", name)
	}
	wantRequired := []string{}
	seen := make(map[string]bool, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		jsonName, omitEmpty, ok := jsonField(field)
		if !ok {
			continue
		}
		seen[jsonName] = true
		prop, ok := s.Properties[jsonName]
		if !ok {
			return fmt.Errorf("%s missing property %q", name, jsonName)
		}
		if err := matchType(name+"."+jsonName, prop, field.Type); err != nil {
			return err
		}
		if !omitEmpty {
			wantRequired = append(wantRequired, jsonName)
		}
	}
	for prop := range s.Properties {
		if !seen[prop] {
			return fmt.Errorf("%s documents unknown property %q", name, prop)
		}
	}
	gotRequired := append([]string(nil), s.Required...)
	sort.Strings(gotRequired)
	sort.Strings(wantRequired)
	if strings.Join(gotRequired, ",") != strings.Join(wantRequired, ",") {
		return fmt.Errorf("%s required mismatch: %v vs %v", name, gotRequired, wantRequired)
	}
	return nil
}

func matchType(path string, prop schema, t reflect.Type) error {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	want := ""
	switch {
	case t == timeType:
		want = "string"
	case t.Kind() == reflect.String:
		want = "string"
	case t.Kind() >= reflect.Int && t.Kind() <= reflect.Uint64:
		want = "integer"
	case t.Kind() == reflect.Bool:
		want = "boolean"
	case t.Kind() == reflect.Slice:
		want = "array"
	case t.Kind() == reflect.Struct:
		if strings.TrimSpace(prop.Ref) == "" {
			return fmt.Errorf("%s must reference a schema", path)
		}
		return nil
	default:
		return fmt.Errorf("%s has unsupported Go type %s", path, t)
	}
	if prop.Type != want {
		return fmt.Errorf("%s type mismatch: %q vs %q", path, prop.Type, want)
	}
	return nil
}

func jsonField(f reflect.StructField) (name string, omitEmpty, ok bool) {
	if !f.IsExported() {
		return "", false, false
	}
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", false, false
	}
	parts := strings.Split(tag, ",")
	name = parts[0]
	if name == "" {
		name = f.Name
	}
	for _, opt := range parts[1:] {
		if opt == "omitempty" {
			omitEmpty = true
		}
	}
	return name, omitEmpty, true
}

func makeSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out[item] = true
	}
	return out
}
