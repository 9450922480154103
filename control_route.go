package emq

import (
	"fmt"
)

// RouteControl manages routes, which forward pushes to the queues bound to
// a routing key. Obtain it with Client.Routes.
type RouteControl struct {
	exec executor
}

// Create creates a route.
func (r *RouteControl) Create(name string, flags uint32) error {
	if err := checkNames(name); err != nil {
		return err
	}
	_, err := r.exec.roundTrip(request{
		cmd:    CmdRouteCreate,
		encode: func(e *Encoder) { e.Text(name).Uint(uint64(flags)) },
	})
	return err
}

// Exist reports whether the route exists. A missing route is (false, nil).
func (r *RouteControl) Exist(name string) (bool, error) {
	return exist(r.exec, CmdRouteExist, name)
}

// List returns every route in broker order.
func (r *RouteControl) List() ([]Route, error) {
	return list(r.exec, CmdRouteList, decodeRoute)
}

// Keys returns the key to queue bindings of a route.
func (r *RouteControl) Keys(name string) ([]RouteKey, error) {
	if err := checkNames(name); err != nil {
		return nil, err
	}
	d, err := r.exec.roundTrip(request{
		cmd:    CmdRouteKeys,
		result: true,
		encode: func(e *Encoder) { e.Text(name) },
	})
	if err != nil {
		return nil, err
	}

	keys, err := decodeRecords(d, decodeRouteKey)
	if err != nil {
		return nil, fmt.Errorf("%w: route keys reply: %w", ErrProtocolError, err)
	}
	return keys, nil
}

// Rename renames a route.
func (r *RouteControl) Rename(from, to string) error {
	return rename(r.exec, CmdRouteRename, from, to)
}

// Bind forwards pushes with key to queue.
func (r *RouteControl) Bind(name, queue, key string) error {
	return r.binding(CmdRouteBind, name, queue, key)
}

// Unbind removes a binding.
func (r *RouteControl) Unbind(name, queue, key string) error {
	return r.binding(CmdRouteUnbind, name, queue, key)
}

func (r *RouteControl) binding(cmd Command, name, queue, key string) error {
	if err := checkNames(name, queue, key); err != nil {
		return err
	}
	_, err := r.exec.roundTrip(request{
		cmd:    cmd,
		encode: func(e *Encoder) { e.Text(name).Text(queue).Text(key) },
	})
	return err
}

// Push routes a message by key. The payload is only read during the call.
func (r *RouteControl) Push(name, key string, p Payload) error {
	if err := checkNames(name, key); err != nil {
		return err
	}
	if isNilPayload(p) {
		return ErrNilPayload
	}

	p = r.exec.produce(name, p)
	if p == nil {
		return nil
	}

	_, err := r.exec.roundTrip(request{
		cmd: CmdRoutePush,
		encode: func(e *Encoder) {
			e.Text(name).Text(key)
			encodeMessage(e, p, 0)
		},
	})
	return err
}

// Delete removes the route and its bindings. Bound queues are kept.
func (r *RouteControl) Delete(name string) error {
	return simple(r.exec, CmdRouteDelete, name)
}
