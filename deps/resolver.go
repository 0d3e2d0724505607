// Package deps implements the dependency resolver that binds named
// dependencies to callback, errback, and entry-function parameters at
// call time. It is grounded on aioscraper's _helpers/func.get_func_kwargs
// (core/request_manager.py calls it before every middleware, callback,
// and errback invocation) with one necessary redesign: Go's reflect
// package cannot recover a function's parameter names the way Python's
// inspect.signature can, only its parameter types. Engine-provided
// values (the call's Context, *request.Request, *request.Response, the
// triggering error, the send-request capability) are therefore injected
// by parameter TYPE, which is unambiguous; everything else — the
// Request's cb_kwargs bag and scraper-level registered dependencies —
// is injected BY NAME into the fields of a single dependency-bag struct
// parameter, tagged with `dep:"name"`, which is the one place Go
// reflection does preserve names. This is recorded as an Open Question
// resolution rather than a silent deviation.
package deps

import (
	"context"
	"reflect"
	"sync"

	"github.com/scraperctl/scraperctl/request"
	"github.com/scraperctl/scraperctl/scrapererr"
)

// SendRequestFunc is the "send_request" capability injected into
// callbacks and errbacks, letting them submit further Requests.
type SendRequestFunc func(ctx context.Context, req *request.Request) error

// PipelineFunc is the "pipeline" capability injected into entry
// functions, callbacks, and errbacks, letting them hand an item
// straight to the pipeline dispatcher without going through a Response.
type PipelineFunc func(ctx context.Context, item any) (any, error)

// Bag is a string-keyed map of named dependencies: scraper-level
// registrations merged with a Request's per-call extras.
type Bag map[string]any

// Call carries the per-invocation values a handler may ask for.
type Call struct {
	Ctx      context.Context
	Request  *request.Request
	Response *request.Response
	Err      error
	Send     SendRequestFunc
	Pipeline PipelineFunc
	Extras   Bag
}

var (
	typeContext  = reflect.TypeOf((*context.Context)(nil)).Elem()
	typeRequest  = reflect.TypeOf((*request.Request)(nil))
	typeResponse = reflect.TypeOf((*request.Response)(nil))
	typeError    = reflect.TypeOf((*error)(nil)).Elem()
	typeSend     = reflect.TypeOf(SendRequestFunc(nil))
	typePipeline = reflect.TypeOf(PipelineFunc(nil))
)

// kind classifies one parameter of a handler's signature.
type kind int

const (
	kindContext kind = iota
	kindRequest
	kindResponse
	kindErr
	kindSend
	kindPipeline
	kindBag
)

type bagField struct {
	index    int
	name     string
	optional bool
}

type paramPlan struct {
	kind      kind
	bagType   reflect.Type
	bagFields []bagField
}

type handlerPlan struct {
	params     []paramPlan
	numOut     int
	returnsErr bool
}

// Resolver caches per-handler parameter plans so repeated invocations
// on the hot dispatch path skip re-inspecting the handler's type.
type Resolver struct {
	shared Bag
	cache  sync.Map // reflect.Type -> *handlerPlan
}

// New builds a Resolver seeded with scraper-level dependencies that
// apply to every call, at the lowest precedence.
func New(shared Bag) *Resolver {
	if shared == nil {
		shared = Bag{}
	}
	return &Resolver{shared: shared}
}

// Invoke calls handler with parameters resolved from call, merged over
// the Resolver's shared dependencies. handler must return either
// nothing or a single error value.
func (r *Resolver) Invoke(handler any, call Call) error {
	hv := reflect.ValueOf(handler)
	ht := hv.Type()

	plan, err := r.planFor(ht)
	if err != nil {
		return err
	}

	args := make([]reflect.Value, len(plan.params))
	for i, p := range plan.params {
		v, err := r.resolveParam(ht, p, call)
		if err != nil {
			return err
		}
		args[i] = v
	}

	out := hv.Call(args)
	if plan.returnsErr && len(out) > 0 {
		if errVal, ok := out[len(out)-1].Interface().(error); ok {
			return errVal
		}
	}
	return nil
}

func (r *Resolver) planFor(ht reflect.Type) (*handlerPlan, error) {
	if cached, ok := r.cache.Load(ht); ok {
		return cached.(*handlerPlan), nil
	}

	plan := &handlerPlan{numOut: ht.NumOut()}
	if plan.numOut > 0 {
		plan.returnsErr = ht.Out(plan.numOut - 1) == typeError
	}

	for i := 0; i < ht.NumIn(); i++ {
		in := ht.In(i)
		pp, err := classify(in)
		if err != nil {
			return nil, err
		}
		plan.params = append(plan.params, pp)
	}

	r.cache.Store(ht, plan)
	return plan, nil
}

func classify(t reflect.Type) (paramPlan, error) {
	switch {
	case t == typeContext:
		return paramPlan{kind: kindContext}, nil
	case t == typeRequest:
		return paramPlan{kind: kindRequest}, nil
	case t == typeResponse:
		return paramPlan{kind: kindResponse}, nil
	case t == typeError:
		return paramPlan{kind: kindErr}, nil
	case t == typeSend:
		return paramPlan{kind: kindSend}, nil
	case t == typePipeline:
		return paramPlan{kind: kindPipeline}, nil
	case t.Kind() == reflect.Struct:
		fields := make([]bagField, 0, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name, optional := fieldTag(f)
			fields = append(fields, bagField{index: i, name: name, optional: optional})
		}
		return paramPlan{kind: kindBag, bagType: t, bagFields: fields}, nil
	default:
		return paramPlan{}, &UnsupportedParameter{Type: t.String()}
	}
}

func fieldTag(f reflect.StructField) (name string, optional bool) {
	tag, ok := f.Tag.Lookup("dep")
	if !ok || tag == "" {
		return f.Name, false
	}
	name = tag
	if idx := indexByte(tag, ','); idx >= 0 {
		name = tag[:idx]
		optional = tag[idx+1:] == "omitempty"
	}
	if name == "" {
		name = f.Name
	}
	return name, optional
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func (r *Resolver) resolveParam(ht reflect.Type, p paramPlan, call Call) (reflect.Value, error) {
	switch p.kind {
	case kindContext:
		ctx := call.Ctx
		if ctx == nil {
			ctx = context.Background()
		}
		return reflect.ValueOf(ctx), nil
	case kindRequest:
		return reflect.ValueOf(call.Request), nil
	case kindResponse:
		return reflect.ValueOf(call.Response), nil
	case kindErr:
		if call.Err == nil {
			return reflect.Zero(typeError), nil
		}
		return reflect.ValueOf(call.Err), nil
	case kindSend:
		return reflect.ValueOf(call.Send), nil
	case kindPipeline:
		return reflect.ValueOf(call.Pipeline), nil
	case kindBag:
		return r.resolveBag(ht, p, call)
	default:
		return reflect.Value{}, &UnsupportedParameter{Type: p.bagType.String()}
	}
}

func (r *Resolver) resolveBag(ht reflect.Type, p paramPlan, call Call) (reflect.Value, error) {
	out := reflect.New(p.bagType).Elem()
	for _, f := range p.bagFields {
		val, ok := call.Extras[f.name]
		if !ok {
			val, ok = r.shared[f.name]
		}
		if !ok {
			if f.optional {
				continue
			}
			return reflect.Value{}, &scrapererr.DependencyMissing{Handler: ht.String(), Parameter: f.name}
		}
		field := out.Field(f.index)
		rv := reflect.ValueOf(val)
		if !rv.IsValid() {
			continue
		}
		if !rv.Type().AssignableTo(field.Type()) {
			return reflect.Value{}, &scrapererr.DependencyMissing{Handler: ht.String(), Parameter: f.name}
		}
		field.Set(rv)
	}
	return out, nil
}

// UnsupportedParameter is returned when a handler declares a parameter
// type the resolver has no provider for (anything that is neither an
// engine-provided type nor a plain struct usable as a dependency bag).
type UnsupportedParameter struct {
	Type string
}

func (e *UnsupportedParameter) Error() string {
	return "unsupported handler parameter type: " + e.Type
}
