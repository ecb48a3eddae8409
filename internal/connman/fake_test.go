package connman

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
)

// recordedCall is one method call seen by a fakeObject.
type recordedCall struct {
	Method string
	Args   []interface{}
}

// fakeObject is an in-memory RemoteObject. Replies are produced by the
// handler set for each method; unknown methods succeed with an empty body.
type fakeObject struct {
	path  dbus.ObjectPath
	iface string

	mu       sync.Mutex
	calls    []recordedCall
	replies  map[string]func(ctx context.Context, args []interface{}) ([]interface{}, error)
	handlers map[string]map[int]SignalHandler
	nextSub  int
	subCount map[string]int
}

func newFakeObject(path dbus.ObjectPath, iface string) *fakeObject {
	return &fakeObject{
		path:     path,
		iface:    iface,
		replies:  make(map[string]func(context.Context, []interface{}) ([]interface{}, error)),
		handlers: make(map[string]map[int]SignalHandler),
		subCount: make(map[string]int),
	}
}

func (o *fakeObject) Path() dbus.ObjectPath { return o.path }

func (o *fakeObject) Call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	o.mu.Lock()
	o.calls = append(o.calls, recordedCall{Method: method, Args: args})
	reply := o.replies[method]
	o.mu.Unlock()

	if reply == nil {
		return nil, nil
	}
	return reply(ctx, args)
}

func (o *fakeObject) Subscribe(signal string, handler SignalHandler) (func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.handlers[signal] == nil {
		o.handlers[signal] = make(map[int]SignalHandler)
	}
	o.nextSub++
	id := o.nextSub
	o.handlers[signal][id] = handler
	o.subCount[signal]++

	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			delete(o.handlers[signal], id)
		})
	}, nil
}

// reply sets the handler for method.
func (o *fakeObject) reply(method string, fn func(ctx context.Context, args []interface{}) ([]interface{}, error)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.replies[method] = fn
}

// replyBody makes method return body.
func (o *fakeObject) replyBody(method string, body ...interface{}) {
	o.reply(method, func(context.Context, []interface{}) ([]interface{}, error) {
		return body, nil
	})
}

// fail makes method return a D-Bus error.
func (o *fakeObject) fail(method, name, message string) {
	o.reply(method, func(context.Context, []interface{}) ([]interface{}, error) {
		return nil, &dbus.Error{Name: name, Body: []interface{}{message}}
	})
}

func (o *fakeObject) recorded() []recordedCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]recordedCall(nil), o.calls...)
}

func (o *fakeObject) methods() []string {
	var out []string
	for _, c := range o.recorded() {
		out = append(out, c.Method)
	}
	return out
}

// subscribeCalls returns how many times signal was subscribed to.
func (o *fakeObject) subscribeCalls(signal string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.subCount[signal]
}

// activeSubscriptions returns the live subscriptions for signal.
func (o *fakeObject) activeSubscriptions(signal string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.handlers[signal])
}

// emit delivers a signal to every live subscriber.
func (o *fakeObject) emit(signal string, body ...interface{}) {
	o.mu.Lock()
	var hs []SignalHandler
	for i := 1; i <= o.nextSub; i++ {
		if h, ok := o.handlers[signal][i]; ok {
			hs = append(hs, h)
		}
	}
	o.mu.Unlock()
	for _, h := range hs {
		h(body)
	}
}

type exportKey struct {
	path  dbus.ObjectPath
	iface string
}

// fakeBus is an in-memory Bus holding fakeObjects by path.
type fakeBus struct {
	mu      sync.Mutex
	objects map[dbus.ObjectPath]*fakeObject
	exports map[exportKey]interface{}
	names   []string
	nameErr error
	// objectErr, when set, fails every resolution.
	objectErr error
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		objects: make(map[dbus.ObjectPath]*fakeObject),
		exports: make(map[exportKey]interface{}),
	}
}

// add creates a remote object at path implementing iface.
func (b *fakeBus) add(path dbus.ObjectPath, iface string) *fakeObject {
	b.mu.Lock()
	defer b.mu.Unlock()
	o := newFakeObject(path, iface)
	b.objects[path] = o
	return o
}

func (b *fakeBus) Object(_ context.Context, _ string, path dbus.ObjectPath, iface string) (RemoteObject, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.objectErr != nil {
		return nil, b.objectErr
	}
	o, ok := b.objects[path]
	if !ok {
		return nil, fmt.Errorf("no object at %s", path)
	}
	if o.iface != iface {
		return nil, fmt.Errorf("object %s does not implement %s", path, iface)
	}
	return o, nil
}

func (b *fakeBus) Export(v interface{}, path dbus.ObjectPath, iface string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := exportKey{path, iface}
	if v == nil {
		delete(b.exports, k)
		return nil
	}
	b.exports[k] = v
	return nil
}

func (b *fakeBus) RequestName(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nameErr != nil {
		return b.nameErr
	}
	b.names = append(b.names, name)
	return nil
}

func (b *fakeBus) exported(path dbus.ObjectPath, iface string) interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exports[exportKey{path, iface}]
}

// fakeRegistry is a static ServiceRegistry and TechnologyRegistry.
type fakeRegistry struct {
	mu           sync.Mutex
	services     []ServiceRecord
	err          error
	technologies map[string]*Technology
}

func (r *fakeRegistry) GetServices(_ context.Context, technologyType string) ([]ServiceRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	var out []ServiceRecord
	for _, s := range r.services {
		if technologyType == "" || s.Type() == technologyType {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *fakeRegistry) SearchService(ctx context.Context, query ServiceQuery, technologyType string) (*ServiceRecord, error) {
	services, err := r.GetServices(ctx, technologyType)
	if err != nil {
		return nil, err
	}
	for _, s := range services {
		if query.Matches(s) {
			found := s
			return &found, nil
		}
	}
	return nil, nil
}

func (r *fakeRegistry) Technology(technologyType string) (*Technology, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.technologies[technologyType]
	return t, ok
}

func (r *fakeRegistry) setTechnology(t *Technology) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.technologies == nil {
		r.technologies = make(map[string]*Technology)
	}
	r.technologies[t.Type] = t
}

func (r *fakeRegistry) dropTechnology(technologyType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.technologies, technologyType)
}

// fakeRegistrar records agent registrations.
type fakeRegistrar struct {
	mu           sync.Mutex
	registered   []dbus.ObjectPath
	unregistered []dbus.ObjectPath
	err          error
}

func (r *fakeRegistrar) RegisterAgent(_ context.Context, path dbus.ObjectPath) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.registered = append(r.registered, path)
	return nil
}

func (r *fakeRegistrar) UnregisterAgent(_ context.Context, path dbus.ObjectPath) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregistered = append(r.unregistered, path)
	return nil
}

// service builds a ServiceRecord with the given properties.
func service(id, name, typ string, extra map[string]dbus.Variant) ServiceRecord {
	props := map[string]dbus.Variant{
		"Name": dbus.MakeVariant(name),
		"Type": dbus.MakeVariant(typ),
	}
	for k, v := range extra {
		props[k] = v
	}
	return newServiceRecord(dbus.ObjectPath("/net/connman/service/"+id), props)
}

func ethernet(iface string) map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"Ethernet": dbus.MakeVariant(map[string]dbus.Variant{
			"Interface": dbus.MakeVariant(iface),
		}),
	}
}
