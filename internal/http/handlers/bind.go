package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// FieldError is one entry in the details.fields list of a 400 response.
// Field is the dotted json-tag path the client actually sent, not the
// Go field name.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Param   string `json:"param,omitempty"`
	Message string `json:"message,omitempty"`
}

// BindJSON binds the request body into out. On failure it writes a 400
// with field-level details and returns false so the handler can bail.
func BindJSON(ctx *gin.Context, out interface{}) bool {
	if err := ctx.ShouldBindJSON(out); err != nil {
		RespondBadRequest(ctx, "Invalid request body", bindDetails(err, out))
		return false
	}

	return true
}

func bindDetails(err error, out interface{}) interface{} {
	root := structTypeOf(out)

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]FieldError, 0, len(verrs))

		for _, fe := range verrs {
			rule := fe.Tag()
			fields = append(fields, FieldError{
				Field:   jsonPath(root, structPathOf(root, fe)),
				Rule:    rule,
				Param:   fe.Param(),
				Message: ruleMessage(rule, fe.Param()),
			})
		}

		return gin.H{"fields": fields}
	}

	var serr *json.SyntaxError
	if errors.As(err, &serr) {
		return gin.H{"json": "invalid_json_syntax"}
	}

	var terr *json.UnmarshalTypeError
	if errors.As(err, &terr) {
		field := jsonPath(root, strings.Split(terr.Field, "."))
		if field == "" {
			field = strings.TrimSpace(terr.Field)
		}

		return gin.H{
			"json":  "invalid_json_type",
			"field": field,
			"fields": []FieldError{{
				Field:   field,
				Rule:    "type",
				Message: "must be of type " + terr.Type.String(),
			}},
		}
	}

	return gin.H{"reason": err.Error()}
}

// structPathOf returns the Go field names from the bound struct down to
// the failing field, e.g. ["Address", "ZipCode"]. The validator prefixes
// the namespace with the root struct's type name; strip it.
func structPathOf(root reflect.Type, fe validator.FieldError) []string {
	ns := fe.StructNamespace()
	if ns == "" {
		ns = fe.Namespace()
	}
	if ns == "" {
		return []string{fe.Field()}
	}

	parts := strings.Split(ns, ".")
	if root != nil && len(parts) > 0 && parts[0] == root.Name() {
		parts = parts[1:]
	}
	if len(parts) == 0 {
		return []string{fe.Field()}
	}

	return parts
}

// jsonPath rewrites a Go field path into the dotted json-tag path.
// Segments that do not resolve to a struct field pass through unchanged.
func jsonPath(root reflect.Type, parts []string) string {
	cur := root
	out := make([]string, 0, len(parts))

	for _, part := range parts {
		if part == "" {
			continue
		}

		// "Skills[2]" keeps its index suffix.
		name, index := part, ""
		if i := strings.IndexByte(part, '['); i >= 0 {
			name, index = part[:i], part[i:]
		}

		segment := name
		var next reflect.Type

		if cur = derefStruct(cur); cur != nil {
			if sf, ok := cur.FieldByName(name); ok {
				segment = jsonTagName(sf)
				next = sf.Type
			}
		}

		out = append(out, segment+index)
		cur = elemType(next)
	}

	return strings.Join(out, ".")
}

func structTypeOf(v interface{}) reflect.Type {
	return derefStruct(reflect.TypeOf(v))
}

func derefStruct(t reflect.Type) reflect.Type {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil
	}

	return t
}

func elemType(t reflect.Type) reflect.Type {
	for t != nil {
		switch t.Kind() {
		case reflect.Pointer, reflect.Slice, reflect.Array:
			t = t.Elem()
		default:
			return t
		}
	}

	return nil
}

func jsonTagName(sf reflect.StructField) string {
	name, _, _ := strings.Cut(sf.Tag.Get("json"), ",")
	if name == "" || name == "-" {
		return sf.Name
	}

	return name
}

// ruleMessage covers the binding rules the job API declares; anything
// else falls back to the raw rule name.
func ruleMessage(rule, param string) string {
	switch rule {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "len":
		return "must be exactly " + param
	case "min":
		return "must be at least " + param
	case "max":
		return "must be at most " + param
	}

	if param != "" {
		return fmt.Sprintf("failed %s validation (%s)", rule, param)
	}

	return "failed " + rule + " validation"
}
