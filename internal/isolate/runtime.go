package isolate

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"

	"github.com/novaruntime/execore/internal/core"
	v8 "github.com/tommie/v8go"
)

// jsRuntime implements core.JSRuntime over a single V8 isolate/context pair.
// Every Isolate owns exactly one of these; it is shared by the webapi setup
// functions and the module loader for the lifetime of the isolate.
type jsRuntime struct {
	iso *v8.Isolate
	ctx *v8.Context
}

var _ core.JSRuntime = (*jsRuntime)(nil)

func (r *jsRuntime) Eval(js string) error {
	_, err := r.ctx.RunScript(js, "eval.js")
	return err
}

// EvalNamed evaluates JavaScript with a caller-supplied script origin, used
// by the module loader so guest stack traces show the resolved module path
// instead of a synthetic name.
func (r *jsRuntime) EvalNamed(js, origin string) (*v8.Value, error) {
	return r.ctx.RunScript(js, origin)
}

func (r *jsRuntime) EvalString(js string) (string, error) {
	val, err := r.ctx.RunScript(js, "eval_string.js")
	if err != nil {
		return "", err
	}
	if val == nil {
		return "", nil
	}
	return val.String(), nil
}

func (r *jsRuntime) EvalBool(js string) (bool, error) {
	val, err := r.ctx.RunScript(js, "eval_bool.js")
	if err != nil {
		return false, err
	}
	if val == nil {
		return false, nil
	}
	return val.Boolean(), nil
}

func (r *jsRuntime) EvalInt(js string) (int, error) {
	val, err := r.ctx.RunScript(js, "eval_int.js")
	if err != nil {
		return 0, err
	}
	if val == nil {
		return 0, nil
	}
	return int(val.Integer()), nil
}

// RegisterFunc registers a Go function as a global JavaScript function,
// using reflection to marshal arguments and return values.
//
// Supported Go function signatures:
//   - func(args...) — JS function returns undefined
//   - func(args...) T — JS function returns T
//   - func(args...) (T, error) — throws the error message as a string, else returns T
//
// Supported scalar types: string, int, float64, bool. Anything else on the
// return side is JSON-marshaled and parsed in JS.
func (r *jsRuntime) RegisterFunc(name string, fn any) error {
	fnVal := reflect.ValueOf(fn)
	fnType := fnVal.Type()

	if fnType.Kind() != reflect.Func {
		return fmt.Errorf("RegisterFunc: expected function, got %T", fn)
	}

	tmpl := v8.NewFunctionTemplate(r.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()

		if len(args) < fnType.NumIn() {
			msg := fmt.Sprintf("%s requires at least %d argument(s), got %d", name, fnType.NumIn(), len(args))
			jsMsg, _ := v8.NewValue(r.iso, msg)
			r.iso.ThrowException(jsMsg)
			return nil
		}

		goArgs := make([]reflect.Value, fnType.NumIn())
		for i := 0; i < fnType.NumIn(); i++ {
			goArgs[i] = jsToGoArg(args[i], fnType.In(i))
		}

		results := fnVal.Call(goArgs)

		switch fnType.NumOut() {
		case 0:
			return nil
		case 1:
			v, err := goResultToJSValue(r.iso, r.ctx, results[0])
			if err != nil {
				jsMsg, _ := v8.NewValue(r.iso, fmt.Sprintf("calling %s: %s", name, err))
				r.iso.ThrowException(jsMsg)
				return nil
			}
			return v
		case 2:
			errVal := results[1]
			if !errVal.IsNil() {
				errMsg := errVal.Interface().(error).Error()
				msg := fmt.Sprintf("calling %s: %s", name, errMsg)
				jsMsg, _ := v8.NewValue(r.iso, msg)
				r.iso.ThrowException(jsMsg)
				return nil
			}
			v, err := goResultToJSValue(r.iso, r.ctx, results[0])
			if err != nil {
				jsMsg, _ := v8.NewValue(r.iso, fmt.Sprintf("calling %s: %s", name, err))
				r.iso.ThrowException(jsMsg)
				return nil
			}
			return v
		default:
			return nil
		}
	})

	fnObj := tmpl.GetFunction(r.ctx)
	return r.ctx.Global().Set(name, fnObj)
}

func (r *jsRuntime) SetGlobal(name string, value any) error {
	jsVal, err := goAnyToJSValue(r.iso, r.ctx, value)
	if err != nil {
		return fmt.Errorf("converting value for %q: %w", name, err)
	}
	return r.ctx.Global().Set(name, jsVal)
}

func (r *jsRuntime) RunMicrotasks() {
	r.ctx.PerformMicrotaskCheckpoint()
}

// Iso returns the underlying V8 isolate for engine-specific operations
// (the module loader needs it to compile module source with an origin).
func (r *jsRuntime) Iso() *v8.Isolate { return r.iso }

// Ctx returns the underlying V8 context.
func (r *jsRuntime) Ctx() *v8.Context { return r.ctx }

func jsToGoArg(val *v8.Value, targetType reflect.Type) reflect.Value {
	switch targetType.Kind() {
	case reflect.String:
		return reflect.ValueOf(val.String())
	case reflect.Int:
		return reflect.ValueOf(int(val.Integer()))
	case reflect.Int64:
		return reflect.ValueOf(val.Integer())
	case reflect.Float64:
		return reflect.ValueOf(val.Number())
	case reflect.Bool:
		return reflect.ValueOf(val.Boolean())
	default:
		return reflect.Zero(targetType)
	}
}

func goToJSValue(iso *v8.Isolate, val reflect.Value) *v8.Value {
	if !val.IsValid() {
		return nil
	}
	switch val.Kind() {
	case reflect.String:
		v, _ := v8.NewValue(iso, val.String())
		return v
	case reflect.Int, reflect.Int64, reflect.Int32:
		v, _ := v8.NewValue(iso, int32(val.Int()))
		return v
	case reflect.Float64, reflect.Float32:
		v, _ := v8.NewValue(iso, val.Float())
		return v
	case reflect.Bool:
		v, _ := v8.NewValue(iso, val.Bool())
		return v
	default:
		return nil
	}
}

// goResultToJSValue converts a RegisterFunc return value to JS, handling the
// scalar cases directly and routing maps/slices/structs through JSON so
// __envVars and similar bridge functions can return compound values.
func goResultToJSValue(iso *v8.Isolate, ctx *v8.Context, val reflect.Value) (*v8.Value, error) {
	if !val.IsValid() {
		return v8.Undefined(iso), nil
	}
	switch val.Kind() {
	case reflect.String, reflect.Int, reflect.Int64, reflect.Int32, reflect.Float64, reflect.Float32, reflect.Bool:
		return goToJSValue(iso, val), nil
	default:
		return goAnyToJSValue(iso, ctx, val.Interface())
	}
}

func goAnyToJSValue(iso *v8.Isolate, ctx *v8.Context, value any) (*v8.Value, error) {
	if value == nil {
		return v8.Undefined(iso), nil
	}

	switch v := value.(type) {
	case string:
		return v8.NewValue(iso, v)
	case int:
		return v8.NewValue(iso, int32(v))
	case int32:
		return v8.NewValue(iso, v)
	case int64:
		return v8.NewValue(iso, int32(v))
	case float64:
		return v8.NewValue(iso, v)
	case bool:
		return v8.NewValue(iso, v)
	case *v8.Value:
		return v, nil
	default:
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("marshaling value: %w", err)
		}
		script := fmt.Sprintf("JSON.parse(%s)", strconv.Quote(string(data)))
		return ctx.RunScript(script, "set_global.js")
	}
}
