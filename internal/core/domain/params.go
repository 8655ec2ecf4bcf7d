package domain

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Param is one named workload parameter.
type Param struct {
	Name  string
	Value any
}

// Params is an ordered parameter mapping. It encodes as a JSON object whose
// key order is preserved across round trips.
type Params []Param

// Get returns the value stored under name.
func (p Params) Get(name string) (any, bool) {
	for _, param := range p {
		if param.Name == name {
			return param.Value, true
		}
	}
	return nil, false
}

// Map returns an unordered copy.
func (p Params) Map() map[string]any {
	m := make(map[string]any, len(p))
	for _, param := range p {
		m[param.Name] = param.Value
	}
	return m
}

// Args renders the parameters as "--name value" invocation arguments.
func (p Params) Args() []string {
	args := make([]string, 0, len(p)*2)
	for _, param := range p {
		args = append(args, "--"+param.Name, FormatValue(param.Value))
	}
	return args
}

// Env renders the parameters as PARAM_<NAME>=value variables.
func (p Params) Env() []string {
	env := make([]string, 0, len(p))
	for _, param := range p {
		env = append(env, fmt.Sprintf("PARAM_%s=%s", strings.ToUpper(param.Name), FormatValue(param.Value)))
	}
	return env
}

// FormatValue prints a parameter value the way the workload parses it.
func FormatValue(v any) string {
	switch val := v.(type) {
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case json.Number:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

func (p Params) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, param := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(param.Name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(param.Value)
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", param.Name, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (p *Params) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*p = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("params must be a JSON object")
	}

	out := Params{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, _ := tok.(string)

		var raw any
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("param %s: %w", name, err)
		}
		out = append(out, Param{Name: name, Value: normalizeNumber(raw)})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*p = out
	return nil
}

// normalizeNumber turns json.Number into int64 for integral literals and
// float64 otherwise.
func normalizeNumber(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if !strings.ContainsAny(n.String(), ".eE") {
		if i, err := n.Int64(); err == nil {
			return i
		}
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

func (p Params) Value() (driver.Value, error) {
	return p.MarshalJSON()
}

func (p *Params) Scan(src any) error {
	data, err := scanBytes(src)
	if err != nil || data == nil {
		return err
	}
	return p.UnmarshalJSON(data)
}
