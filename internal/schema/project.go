package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// coerce walks an authoring-form decoded JSON value against a Def and
// produces the typed, canon.Encode-ready Go value: records become
// map[string]any with only declared fields, variants become
// map[string]any{"$tag": ..., "$value": ...}, scalars are converted to
// their canonical Go representation (nat/int -> uint64/int64, bytes ->
// []byte, hash -> [32]byte-shaped hex decode handled by callers upstream).
func coerce(def *Def, v any, path string) (any, error) {
	switch def.Kind {
	case KindRecord:
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, typeMismatch(path, "record", v)
		}
		out := make(map[string]any, len(def.Fields))
		for _, f := range def.Fields {
			fv, present := obj[f.Name]
			if !present {
				if f.Required {
					return nil, missingField(path + "." + f.Name)
				}
				continue
			}
			cv, err := coerce(f.Type, fv, path+"."+f.Name)
			if err != nil {
				return nil, err
			}
			out[f.Name] = cv
		}
		return out, nil

	case KindVariant:
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, typeMismatch(path, "variant", v)
		}
		tag, ok := obj["$tag"].(string)
		if !ok {
			return nil, typeMismatch(path+".$tag", "string", obj["$tag"])
		}
		var arm *Field
		for i := range def.Fields {
			if def.Fields[i].Name == tag {
				arm = &def.Fields[i]
				break
			}
		}
		if arm == nil {
			return nil, unknownVariantTag(path, tag)
		}
		val, err := coerce(arm.Type, obj["$value"], path+".$value")
		if err != nil {
			return nil, err
		}
		return map[string]any{"$tag": tag, "$value": val}, nil

	case KindOption:
		if v == nil {
			return map[string]any{"$tag": "None", "$value": nil}, nil
		}
		inner, err := coerce(def.Of, v, path)
		if err != nil {
			return nil, err
		}
		return map[string]any{"$tag": "Some", "$value": inner}, nil

	case KindList:
		arr, ok := v.([]any)
		if !ok {
			return nil, typeMismatch(path, "list", v)
		}
		out := make([]any, len(arr))
		for i, elem := range arr {
			cv, err := coerce(def.Of, elem, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = cv
		}
		return out, nil

	case KindMap:
		obj, ok := v.(map[string]any)
		if !ok {
			return nil, typeMismatch(path, "map", v)
		}
		out := make(map[string]any, len(obj))
		for k, val := range obj {
			cv, err := coerce(def.Value, val, path+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = cv
		}
		return out, nil

	case KindNat:
		n, err := asUint(v)
		if err != nil {
			return nil, typeMismatch(path, "nat", v)
		}
		return n, nil

	case KindInt:
		n, err := asInt(v)
		if err != nil {
			return nil, typeMismatch(path, "int", v)
		}
		return n, nil

	case KindText:
		s, ok := v.(string)
		if !ok {
			return nil, typeMismatch(path, "text", v)
		}
		return s, nil

	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, typeMismatch(path, "bool", v)
		}
		return b, nil

	case KindBytes, KindHash:
		s, ok := v.(string)
		if !ok {
			return nil, typeMismatch(path, string(def.Kind), v)
		}
		return []byte(s), nil

	case KindDec128:
		s, ok := v.(string)
		if !ok {
			return nil, typeMismatch(path, "dec128", v)
		}
		return s, nil

	case KindRef:
		return v, nil

	default:
		return nil, fmt.Errorf("schema: unknown kind %q at %s", def.Kind, path)
	}
}

func asUint(v any) (uint64, error) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil || i < 0 {
			return 0, fmt.Errorf("not a nat")
		}
		return uint64(i), nil
	}
	return 0, fmt.Errorf("not a number")
}

func asInt(v any) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		return n.Int64()
	}
	return 0, fmt.Errorf("not a number")
}

// compileJSONSchema derives a JSON Schema document from a Def and compiles
// it, giving cheap authoring-form rejection (type shape, required fields)
// before the more expensive typed coercion pass runs.
func compileJSONSchema(fq string, def *Def) (*jsonschema.Schema, error) {
	doc := toJSONSchemaDoc(def)
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	url := "mem://" + fq
	if err := c.AddResource(url, bytes.NewReader(b)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

func toJSONSchemaDoc(def *Def) map[string]any {
	switch def.Kind {
	case KindRecord:
		props := map[string]any{}
		var required []string
		for _, f := range def.Fields {
			props[f.Name] = toJSONSchemaDoc(f.Type)
			if f.Required {
				required = append(required, f.Name)
			}
		}
		doc := map[string]any{"type": "object", "properties": props}
		if len(required) > 0 {
			doc["required"] = required
		}
		return doc
	case KindVariant:
		return map[string]any{"type": "object", "required": []string{"$tag", "$value"}}
	case KindList:
		return map[string]any{"type": "array", "items": toJSONSchemaDoc(def.Of)}
	case KindMap:
		return map[string]any{"type": "object"}
	case KindOption:
		return map[string]any{}
	case KindNat:
		return map[string]any{"type": "integer", "minimum": 0}
	case KindInt:
		return map[string]any{"type": "integer"}
	case KindText, KindBytes, KindHash, KindDec128:
		return map[string]any{"type": "string"}
	case KindBool:
		return map[string]any{"type": "boolean"}
	default:
		return map[string]any{}
	}
}

func typeMismatch(path, expected string, actual any) error {
	return fmt.Errorf("type_mismatch: path=%s expected=%s actual=%T", path, expected, actual)
}

func missingField(path string) error {
	return fmt.Errorf("missing_required_field: %s", path)
}

func unknownVariantTag(path, tag string) error {
	return fmt.Errorf("unknown_variant_tag: path=%s tag=%s", path, tag)
}
