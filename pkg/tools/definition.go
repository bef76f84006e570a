package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"

	"github.com/tanglechat/tangle/pkg/engine"
)

var ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()
var errType = reflect.TypeOf((*error)(nil)).Elem()

// Tool couples a declaration the model sees with the Go function that
// backs it.
type Tool struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters"`
	Tags        []string           `json:"tags,omitempty"`

	fn func(context.Context, []byte) (interface{}, error)
}

// Definition returns the provider-facing declaration for this tool.
func (t *Tool) Definition() engine.ToolDefinition {
	return engine.ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  t.Parameters,
	}
}

// Invoke unmarshals the call arguments and runs the backing function.
func (t *Tool) Invoke(ctx context.Context, args []byte) (interface{}, error) {
	if t.fn == nil {
		return nil, errors.Errorf("tool %s has no backing function", t.Name)
	}
	return t.fn(ctx, args)
}

// NewToolFromFunc builds a Tool from a Go function. Supported signatures
// are func(Input) (Result, error), func(context.Context, Input) (Result,
// error) and their single-return variants; the parameter schema is
// reflected from Input.
func NewToolFromFunc(name, description string, fn interface{}) (*Tool, error) {
	funcType := reflect.TypeOf(fn)
	if funcType == nil || funcType.Kind() != reflect.Func {
		return nil, errors.New("provided value is not a function")
	}
	if funcType.NumOut() == 0 || funcType.NumOut() > 2 {
		return nil, errors.New("function must return (result) or (result, error)")
	}
	if funcType.NumOut() == 2 && !funcType.Out(1).Implements(errType) {
		return nil, errors.New("second return value must be an error")
	}

	inputType, err := toolInputType(funcType)
	if err != nil {
		return nil, err
	}

	schema := &jsonschema.Schema{Type: "object"}
	if inputType != nil {
		reflector := jsonschema.Reflector{DoNotReference: true}
		schema = reflector.Reflect(reflect.New(inputType).Elem().Interface())
		if schema.Type == "" && schema.Ref == "" {
			schema.Type = "object"
		}
	}

	funcValue := reflect.ValueOf(fn)
	invoke := func(ctx context.Context, args []byte) (interface{}, error) {
		in := make([]reflect.Value, 0, 2)
		if funcType.NumIn() > 0 && funcType.In(0) == ctxType {
			in = append(in, reflect.ValueOf(ctx))
		}
		if inputType != nil {
			input := reflect.New(inputType)
			if len(args) > 0 {
				if err := json.Unmarshal(args, input.Interface()); err != nil {
					return nil, errors.Wrap(err, "failed to unmarshal arguments")
				}
			}
			in = append(in, input.Elem())
		}
		out := funcValue.Call(in)
		result := out[0].Interface()
		if len(out) == 2 && !out[1].IsNil() {
			return result, out[1].Interface().(error)
		}
		return result, nil
	}

	return &Tool{
		Name:        name,
		Description: description,
		Parameters:  schema,
		fn:          invoke,
	}, nil
}

func toolInputType(funcType reflect.Type) (reflect.Type, error) {
	switch funcType.NumIn() {
	case 0:
		return nil, nil
	case 1:
		if funcType.In(0) == ctxType {
			return nil, nil
		}
		return funcType.In(0), nil
	case 2:
		if funcType.In(0) != ctxType {
			return nil, errors.New("two-arg tool function must be (context.Context, Input)")
		}
		return funcType.In(1), nil
	default:
		return nil, fmt.Errorf("function must take (Input) or (context.Context, Input), got %d parameters", funcType.NumIn())
	}
}

// Call is a request to execute one tool.
type Call struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Result is the outcome of executing one call. Error carries execution
// failures as data so the model can see them; it never aborts the turn.
type Result struct {
	ID       string        `json:"id"`
	Value    interface{}   `json:"value,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	Retries  int           `json:"retries,omitempty"`
}

// ValueJSON renders the result value as compact JSON for the provider's
// tool-result message.
func (r *Result) ValueJSON() string {
	if r.Value == nil {
		return ""
	}
	if s, ok := r.Value.(string); ok {
		return s
	}
	b, err := json.Marshal(r.Value)
	if err != nil {
		return fmt.Sprintf("%v", r.Value)
	}
	return string(b)
}
