// Package ipc provides the typed object-tree transport BLEEP speaks to the
// host Bluetooth stack over: a pooled system-bus connection, a
// per-(bus,service,path,interface) proxy cache, and an introspection
// helper. The pool is the sole construction point for bus connections, so
// every consumer gets health-checked, recyclable handles.
package ipc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/Mauddib28/bleep-tool/internal/bleeperr"
)

// BusService is the well-known bus name BLEEP talks to.
const BusService = "org.bluez"

const (
	objManagerPath  = dbus.ObjectPath("/")
	objManagerIface = "org.freedesktop.DBus.ObjectManager"
	propsIface      = "org.freedesktop.DBus.Properties"
)

// connState tracks one pool slot through idle/in-use/unhealthy/closed.
type connState int

const (
	stateIdle connState = iota
	stateInUse
	stateUnhealthy
	stateClosed
)

type pooledConn struct {
	conn    *dbus.Conn
	state   connState
	created time.Time
	lastUse time.Time
	uses    int
}

// Pool owns a small set of system-bus connections plus a proxy cache keyed
// by (service, path, interface). It is the sole construction point for
// *dbus.Conn in the process; every other package receives a *Pool.
type Pool struct {
	mu    sync.Mutex
	conns []*pooledConn
	max   int

	proxyMu sync.RWMutex
	proxies map[proxyKey]*Proxy
}

type proxyKey struct {
	service string
	path    dbus.ObjectPath
	iface   string
}

// NewPool creates an empty pool; connections are created lazily on first
// use up to max concurrent checkouts.
func NewPool(max int) *Pool {
	if max <= 0 {
		max = 4
	}
	return &Pool{
		max:     max,
		proxies: make(map[proxyKey]*Proxy),
	}
}

// Handle is a checked-out bus connection; callers must call Release when
// done.
type Handle struct {
	pool *Pool
	pc   *pooledConn
}

// Conn returns the underlying *dbus.Conn for direct calls.
func (h *Handle) Conn() *dbus.Conn { return h.pc.conn }

// Release returns the connection to the pool as idle, unless it was marked
// unhealthy during use, in which case it is closed and dropped so the next
// acquire transparently replaces it.
func (h *Handle) Release() {
	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()
	if h.pc.state == stateUnhealthy {
		h.pc.conn.Close()
		h.pc.state = stateClosed
		h.pool.removeLocked(h.pc)
		return
	}
	h.pc.state = stateIdle
	h.pc.lastUse = time.Now()
}

// MarkUnhealthy flags the checked-out connection so Release closes instead
// of recycling it. Callers invoke this after a NoReply/IpcUnavailable error.
func (h *Handle) MarkUnhealthy() {
	h.pool.mu.Lock()
	defer h.pool.mu.Unlock()
	h.pc.state = stateUnhealthy
}

func (p *Pool) removeLocked(pc *pooledConn) {
	for i, c := range p.conns {
		if c == pc {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			return
		}
	}
}

// WithBus acquires a healthy bus connection, validating existing idle
// connections before reuse and transparently replacing unhealthy members.
func (p *Pool) WithBus(ctx context.Context) (*Handle, error) {
	p.mu.Lock()
	for i := 0; i < len(p.conns); i++ {
		pc := p.conns[i]
		if pc.state == stateIdle {
			if !validate(pc.conn) {
				pc.conn.Close()
				pc.state = stateClosed
				p.removeLocked(pc)
				i--
				continue
			}
			pc.state = stateInUse
			pc.uses++
			pc.lastUse = time.Now()
			p.mu.Unlock()
			return &Handle{pool: p, pc: pc}, nil
		}
	}
	if len(p.conns) >= p.max {
		p.mu.Unlock()
		return nil, bleeperr.New(bleeperr.KindIpcUnavailable, "pool exhausted")
	}
	p.mu.Unlock()

	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, bleeperr.Wrap(bleeperr.KindIpcUnavailable, "system bus connect", err)
	}
	pc := &pooledConn{conn: conn, state: stateInUse, created: time.Now(), lastUse: time.Now(), uses: 1}

	p.mu.Lock()
	p.conns = append(p.conns, pc)
	p.mu.Unlock()

	return &Handle{pool: p, pc: pc}, nil
}

// validate performs a cheap liveness check (ListNames) before an idle
// connection is handed back out.
func validate(conn *dbus.Conn) bool {
	if conn == nil {
		return false
	}
	var names []string
	call := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0)
	if call.Err != nil {
		return false
	}
	return call.Store(&names) == nil
}

// Close tears down every pooled connection. Intended for process shutdown.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pc := range p.conns {
		pc.conn.Close()
	}
	p.conns = nil
}

// Proxy wraps a cached D-Bus object+interface pair.
type Proxy struct {
	Object    dbus.BusObject
	Service   string
	Path      dbus.ObjectPath
	Interface string
}

// GetProxy returns a cached proxy for (service, path, interface), creating
// it on first use. Cache entries are dropped by InvalidatePath (which the
// recovery manager calls for a device path) and by ResetProxyCache; an
// InterfacesRemoved signal does not drop them by itself.
func (p *Pool) GetProxy(h *Handle, service string, path dbus.ObjectPath, iface string) *Proxy {
	key := proxyKey{service, path, iface}

	p.proxyMu.RLock()
	if pr, ok := p.proxies[key]; ok {
		p.proxyMu.RUnlock()
		return pr
	}
	p.proxyMu.RUnlock()

	pr := &Proxy{
		Object:    h.Conn().Object(service, path),
		Service:   service,
		Path:      path,
		Interface: iface,
	}

	p.proxyMu.Lock()
	p.proxies[key] = pr
	p.proxyMu.Unlock()
	return pr
}

// InvalidatePath drops every cached proxy rooted at path (exact match on
// path; children are not cascaded since BlueZ emits InterfacesRemoved per
// path individually).
func (p *Pool) InvalidatePath(path dbus.ObjectPath) {
	p.proxyMu.Lock()
	defer p.proxyMu.Unlock()
	for k := range p.proxies {
		if k.path == path {
			delete(p.proxies, k)
		}
	}
}

// ResetProxyCache drops every cached proxy. The staged recovery does not
// call it; its proxy stage drops only the device's own path through
// InvalidatePath.
func (p *Pool) ResetProxyCache() {
	p.proxyMu.Lock()
	defer p.proxyMu.Unlock()
	p.proxies = make(map[proxyKey]*Proxy)
}

// ManagedObject is one entry of GetManagedObjects: an object path mapped to
// its interface name -> property map.
type ManagedObject struct {
	Path       dbus.ObjectPath
	Interfaces map[string]map[string]dbus.Variant
}

// GetManagedObjects calls org.freedesktop.DBus.ObjectManager.GetManagedObjects
// on the bus root, the call the health monitor's heartbeat also uses.
func (p *Pool) GetManagedObjects(ctx context.Context) ([]ManagedObject, error) {
	h, err := p.WithBus(ctx)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	obj := h.Conn().Object(BusService, objManagerPath)
	var raw map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := obj.CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		h.MarkUnhealthy()
		return nil, bleeperr.FromDBusError("GetManagedObjects", call.Err)
	}
	if err := call.Store(&raw); err != nil {
		return nil, bleeperr.Wrap(bleeperr.KindIntrospectionFailed, "GetManagedObjects decode", err)
	}

	out := make([]ManagedObject, 0, len(raw))
	for path, ifaces := range raw {
		out = append(out, ManagedObject{Path: path, Interfaces: ifaces})
	}
	return out, nil
}

// Introspect returns the interface set exposed at path, failing with
// IntrospectionFailed when the path yields nothing.
func (p *Pool) Introspect(ctx context.Context, path dbus.ObjectPath) ([]string, error) {
	objs, err := p.GetManagedObjects(ctx)
	if err != nil {
		return nil, err
	}
	for _, o := range objs {
		if o.Path == path {
			ifaces := make([]string, 0, len(o.Interfaces))
			for name := range o.Interfaces {
				ifaces = append(ifaces, name)
			}
			return ifaces, nil
		}
	}
	return nil, bleeperr.New(bleeperr.KindIntrospectionFailed, string(path))
}

// GetProperty fetches a single property via org.freedesktop.DBus.Properties.
func (p *Pool) GetProperty(ctx context.Context, h *Handle, service string, path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	obj := h.Conn().Object(service, path)
	var v dbus.Variant
	call := obj.CallWithContext(ctx, propsIface+".Get", 0, iface, prop)
	if call.Err != nil {
		return v, bleeperr.FromDBusError(fmt.Sprintf("Get %s.%s", iface, prop), call.Err)
	}
	if err := call.Store(&v); err != nil {
		return v, bleeperr.Wrap(bleeperr.KindUnknown, "decode property", err)
	}
	return v, nil
}

// SetProperty sets a single property via org.freedesktop.DBus.Properties.
func (p *Pool) SetProperty(ctx context.Context, h *Handle, service string, path dbus.ObjectPath, iface, prop string, val interface{}) error {
	obj := h.Conn().Object(service, path)
	call := obj.CallWithContext(ctx, propsIface+".Set", 0, iface, prop, dbus.MakeVariant(val))
	if call.Err != nil {
		return bleeperr.FromDBusError(fmt.Sprintf("Set %s.%s", iface, prop), call.Err)
	}
	return nil
}

// DeviceObjectPath converts a normalized MAC address into a BlueZ device
// object path under the given adapter path.
func DeviceObjectPath(adapterPath, mac string) dbus.ObjectPath {
	escaped := macToPathSegment(mac)
	return dbus.ObjectPath(adapterPath + "/dev_" + escaped)
}

// macToPathSegment uppercases and underscore-joins a MAC the way BlueZ
// names device object paths (dev_AA_BB_...).
func macToPathSegment(mac string) string {
	mac = strings.ToUpper(mac)
	out := make([]byte, 0, len(mac))
	for i := 0; i < len(mac); i++ {
		if mac[i] == ':' {
			out = append(out, '_')
		} else {
			out = append(out, mac[i])
		}
	}
	return string(out)
}

// MacFromPath extracts a MAC address from a BlueZ device object path.
func MacFromPath(adapterPath string, path dbus.ObjectPath) string {
	s := string(path)
	prefix := adapterPath + "/dev_"
	if len(s) <= len(prefix) || s[:len(prefix)] != prefix {
		return ""
	}
	rest := s[len(prefix):]
	out := make([]byte, 0, len(rest))
	for i := 0; i < len(rest); i++ {
		if rest[i] == '_' {
			out = append(out, ':')
		} else {
			out = append(out, rest[i])
		}
	}
	// Path segments are uppercase on the wire; MACs are keyed lowercase
	// everywhere else in the system.
	return strings.ToLower(string(out))
}
