package fieldcrypt

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"

	"github.com/and161185/careshield/internal/errs"
)

// Policy selects how DecryptFields reacts to a field that fails to decrypt.
type Policy int

const (
	// FailRecord aborts the whole record on the first failure.
	FailRecord Policy = iota
	// RedactField replaces the offending field with Redacted and continues.
	RedactField
)

// Redacted is the placeholder written for undecryptable fields under RedactField.
const Redacted = "[REDACTED]"

// TenantKey is the nested-object key that overrides the tenant used for its fields.
const TenantKey = "tenantId"

const maxDepth = 8

// Engine converts declared sensitive fields to ciphertext and back. It holds no
// request state and is safe for concurrent use.
type Engine struct {
	cipher Cipher
	reg    *Registry
}

// NewEngine constructs an Engine.
func NewEngine(c Cipher, reg *Registry) *Engine {
	return &Engine{cipher: c, reg: reg}
}

// Registry returns the field declarations used by the engine.
func (e *Engine) Registry() *Registry { return e.reg }

// EncryptValue JSON-encodes v and encrypts it. A nil v (including a typed nil
// pointer) yields nil, never the ciphertext of an empty value.
func (e *Engine) EncryptValue(tenantID string, v any) ([]byte, error) {
	if isNil(v) {
		return nil, nil
	}
	pt, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode value: %w", err)
	}
	if string(pt) == "null" {
		return nil, nil
	}
	return e.cipher.Encrypt(tenantID, pt)
}

// DecryptValue reverses EncryptValue. A nil ciphertext yields nil.
func (e *Engine) DecryptValue(tenantID string, ct []byte) (any, error) {
	if ct == nil {
		return nil, nil
	}
	pt, err := e.cipher.Decrypt(tenantID, ct)
	if err != nil {
		return nil, decryptionError("", err)
	}
	var v any
	if err := json.Unmarshal(pt, &v); err != nil {
		return nil, decryptionError("", fmt.Errorf("%w: bad payload", errs.ErrDecryptionFailure))
	}
	return v, nil
}

// EncryptFields returns a shallow copy of rec with every declared sensitive field
// replaced by its ciphertext ([]byte). Absent fields stay absent, nil fields stay nil.
// Nested objects are processed recursively, each under its own tenantId when present.
func (e *Engine) EncryptFields(tenantID, entityType string, rec map[string]any) (map[string]any, error) {
	return e.encryptRecord(tenantID, entityType, rec, "", 0)
}

func (e *Engine) encryptRecord(tenantID, entityType string, rec map[string]any, path string, depth int) (map[string]any, error) {
	spec, ok := e.reg.Spec(entityType)
	if !ok {
		return nil, fmt.Errorf("%w: unknown entity type %q", errs.ErrInvalidInput, entityType)
	}
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting too deep at %s", errs.ErrInvalidInput, path)
	}
	if rec == nil {
		return nil, nil
	}
	if depth > 0 {
		tenantID = ownTenant(rec, tenantID)
	}
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	for _, f := range spec.Fields {
		v, present := rec[f]
		if !present {
			continue
		}
		ct, err := e.EncryptValue(tenantID, v)
		if err != nil {
			return nil, fmt.Errorf("encrypt %s: %w", join(path, f), err)
		}
		if ct == nil {
			out[f] = nil
			continue
		}
		out[f] = ct
	}
	for f, sub := range spec.Nested {
		v, present := rec[f]
		if !present || isNil(v) {
			continue
		}
		enc, err := e.mapNested(v, join(path, f), func(obj map[string]any, p string) (map[string]any, error) {
			return e.encryptRecord(tenantID, sub, obj, p, depth+1)
		})
		if err != nil {
			return nil, err
		}
		out[f] = enc
	}
	return out, nil
}

// DecryptFields returns a shallow copy of rec with sensitive fields decrypted.
// Under RedactField the paths of undecryptable fields are returned alongside the
// record; under FailRecord the first failure is returned as a *DecryptionError.
func (e *Engine) DecryptFields(tenantID, entityType string, rec map[string]any, p Policy) (map[string]any, []string, error) {
	var redacted []string
	out, err := e.decryptRecord(tenantID, entityType, rec, "", 0, p, &redacted)
	if err != nil {
		return nil, nil, err
	}
	return out, redacted, nil
}

func (e *Engine) decryptRecord(tenantID, entityType string, rec map[string]any, path string, depth int, p Policy, redacted *[]string) (map[string]any, error) {
	spec, ok := e.reg.Spec(entityType)
	if !ok {
		return nil, fmt.Errorf("%w: unknown entity type %q", errs.ErrInvalidInput, entityType)
	}
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting too deep at %s", errs.ErrInvalidInput, path)
	}
	if rec == nil {
		return nil, nil
	}
	if depth > 0 {
		tenantID = ownTenant(rec, tenantID)
	}
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	for _, f := range spec.Fields {
		v, present := rec[f]
		if !present {
			continue
		}
		pt, err := e.decryptAny(tenantID, v)
		if err != nil {
			fp := join(path, f)
			if p == RedactField && errors.Is(err, errs.ErrDecryptionFailure) {
				out[f] = Redacted
				*redacted = append(*redacted, fp)
				continue
			}
			return nil, decryptionError(fp, err)
		}
		out[f] = pt
	}
	for f, sub := range spec.Nested {
		v, present := rec[f]
		if !present || isNil(v) {
			continue
		}
		dec, err := e.mapNested(v, join(path, f), func(obj map[string]any, np string) (map[string]any, error) {
			return e.decryptRecord(tenantID, sub, obj, np, depth+1, p, redacted)
		})
		if err != nil {
			return nil, err
		}
		out[f] = dec
	}
	return out, nil
}

// decryptAny accepts raw bytes or the base64 form produced when ciphertext is
// embedded in JSON. Any other type is a failure, plaintext never passes through.
func (e *Engine) decryptAny(tenantID string, v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		if t == nil {
			return nil, nil
		}
		if len(t) == 0 {
			return nil, fmt.Errorf("%w: empty ciphertext", errs.ErrDecryptionFailure)
		}
		return e.DecryptValue(tenantID, t)
	case string:
		raw, err := base64.StdEncoding.DecodeString(t)
		if err != nil || len(raw) == 0 {
			return nil, fmt.Errorf("%w: not a ciphertext", errs.ErrDecryptionFailure)
		}
		return e.DecryptValue(tenantID, raw)
	default:
		return nil, fmt.Errorf("%w: unexpected %T", errs.ErrDecryptionFailure, v)
	}
}

// mapNested applies fn to a nested object or to every object of a nested list,
// preserving the shape.
func (e *Engine) mapNested(v any, path string, fn func(map[string]any, string) (map[string]any, error)) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		return fn(t, path)
	case []map[string]any:
		out := make([]any, 0, len(t))
		for i, obj := range t {
			r, err := fn(obj, path+"["+strconv.Itoa(i)+"]")
			if err != nil {
				return nil, err
			}
			out = append(out, r)
		}
		return out, nil
	case []any:
		out := make([]any, 0, len(t))
		for i, el := range t {
			obj, ok := el.(map[string]any)
			if !ok {
				if isNil(el) {
					out = append(out, nil)
					continue
				}
				return nil, fmt.Errorf("%w: %s[%d] is %T, want object", errs.ErrInvalidInput, path, i, el)
			}
			r, err := fn(obj, path+"["+strconv.Itoa(i)+"]")
			if err != nil {
				return nil, err
			}
			out = append(out, r)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s is %T, want object", errs.ErrInvalidInput, path, v)
	}
}

func objects(v any) []map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return []map[string]any{t}
	case []map[string]any:
		return t
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, el := range t {
			if obj, ok := el.(map[string]any); ok {
				out = append(out, obj)
			}
		}
		return out
	}
	return nil
}

func ownTenant(rec map[string]any, fallback string) string {
	if t, ok := rec[TenantKey].(string); ok && t != "" {
		return t
	}
	return fallback
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

func join(path, field string) string {
	if path == "" {
		return field
	}
	return path + "." + field
}
