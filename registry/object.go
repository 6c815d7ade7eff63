package registry

import (
	"context"
	"fmt"
	"reflect"

	"github.com/juju/errors"
)

// Object is a named group of procedures registered together, the
// explicit form of registering every method of an object.
type Object struct {
	Namespace string
	Owner     any
	methods   []Procedure
}

// NewObject starts an empty object under namespace.
func NewObject(namespace string, owner any) *Object {
	return &Object{Namespace: namespace, Owner: owner}
}

// Method adds fn under name, relative to the object's namespace.
func (o *Object) Method(name string, fn Func) *Object {
	return o.Add(Procedure{Name: name, Func: fn})
}

// Add adds p, whose name is relative to the object's namespace.
func (o *Object) Add(p Procedure) *Object {
	o.methods = append(o.methods, p)
	return o
}

// Names returns the relative method names in the order they were added.
func (o *Object) Names() []string {
	names := make([]string, len(o.methods))
	for i, m := range o.methods {
		names[i] = m.Name
	}
	return names
}

func describeOwner(o *Object) string {
	if o.Owner != nil {
		return fmt.Sprintf("%T", o.Owner)
	}
	if o.Namespace != "" {
		return o.Namespace
	}
	return "object"
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	callType    = reflect.TypeOf((*Call)(nil))
)

// MethodsOf builds an Object from the exported methods of rcvr that have
// one of the shapes
//
//	func (ctx context.Context, call *registry.Call) (any, error)
//	func (ctx context.Context) (R, error)
//	func (ctx context.Context, arg A) (R, error)
//	func (args *A, reply *R) error
//
// Other methods are ignored. The walk happens once, when the object is
// built; invocations go through the recorded method values.
func MethodsOf(namespace string, rcvr any) (*Object, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil {
		return nil, errors.NotValidf("nil receiver")
	}
	if typ.Kind() != reflect.Ptr || typ.Elem().Kind() != reflect.Struct {
		return nil, errors.NotValidf("receiver %s, expected a pointer to a struct", typ)
	}
	val := reflect.ValueOf(rcvr)
	obj := NewObject(namespace, rcvr)
	for i := 0; i < typ.NumMethod(); i++ {
		method := typ.Method(i)
		if fn := adapt(val.Method(i), method.Type); fn != nil {
			obj.Method(method.Name, fn)
		}
	}
	if len(obj.methods) == 0 {
		return nil, errors.NotFoundf("procedure methods on %s", typ)
	}
	return obj, nil
}

// adapt wraps a bound method as a Func, or returns nil when its shape is
// not supported. mtype still includes the receiver.
func adapt(method reflect.Value, mtype reflect.Type) Func {
	if mtype.IsVariadic() {
		return nil
	}
	in := make([]reflect.Type, mtype.NumIn()-1)
	for i := range in {
		in[i] = mtype.In(i + 1)
	}
	switch {
	case mtype.NumOut() == 1 && mtype.Out(0) == errorType &&
		len(in) == 2 && in[0].Kind() == reflect.Ptr && in[1].Kind() == reflect.Ptr:
		return replyMethod(method, in[0].Elem(), in[1].Elem())
	case mtype.NumOut() != 2 || mtype.Out(1) != errorType:
		return nil
	case len(in) == 2 && in[0] == contextType && in[1] == callType:
		return func(ctx context.Context, call *Call) (any, error) {
			return results(method.Call([]reflect.Value{reflect.ValueOf(ctx), reflect.ValueOf(call)}))
		}
	case len(in) == 1 && in[0] == contextType:
		return func(ctx context.Context, call *Call) (any, error) {
			return results(method.Call([]reflect.Value{reflect.ValueOf(ctx)}))
		}
	case len(in) == 2 && in[0] == contextType:
		argType := in[1]
		return func(ctx context.Context, call *Call) (any, error) {
			argv, err := decodeArg(call, argType)
			if err != nil {
				return nil, err
			}
			return results(method.Call([]reflect.Value{reflect.ValueOf(ctx), argv}))
		}
	}
	return nil
}

func replyMethod(method reflect.Value, argType, replyType reflect.Type) Func {
	return func(ctx context.Context, call *Call) (any, error) {
		argv := reflect.New(argType)
		if err := call.Arg(0, argv.Interface()); err != nil {
			return nil, err
		}
		replyv := reflect.New(replyType)
		out := method.Call([]reflect.Value{argv, replyv})
		if !out[0].IsNil() {
			return nil, out[0].Interface().(error)
		}
		return replyv.Elem().Interface(), nil
	}
}

func decodeArg(call *Call, t reflect.Type) (reflect.Value, error) {
	if t.Kind() == reflect.Ptr {
		v := reflect.New(t.Elem())
		return v, call.Arg(0, v.Interface())
	}
	v := reflect.New(t)
	if err := call.Arg(0, v.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return v.Elem(), nil
}

func results(out []reflect.Value) (any, error) {
	var err error
	if !out[1].IsNil() {
		err = out[1].Interface().(error)
	}
	return out[0].Interface(), err
}
