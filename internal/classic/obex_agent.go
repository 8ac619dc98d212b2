package classic

import (
	"context"

	"github.com/godbus/dbus/v5"
)

const (
	obexAgentIface        = "org.bluez.obex.Agent1"
	obexAgentManagerIface = "org.bluez.obex.AgentManager1"
	obexAgentPath         = dbus.ObjectPath("/com/bleep/obexagent")
)

// obexAgent is the in-process OBEX agent that accepts authentication
// prompts unattended during a phonebook pull. It lives for one pull; the
// caller unregisters it when the transfer finishes.
type obexAgent struct {
	conn *dbus.Conn
}

func registerOBEXAgent(ctx context.Context, conn *dbus.Conn) (*obexAgent, error) {
	a := &obexAgent{conn: conn}
	if err := conn.Export(a, obexAgentPath, obexAgentIface); err != nil {
		return nil, err
	}
	mgr := conn.Object(obexService, obexClientPath)
	if call := mgr.CallWithContext(ctx, obexAgentManagerIface+".RegisterAgent", 0, obexAgentPath); call.Err != nil {
		return nil, call.Err
	}
	return a, nil
}

func (a *obexAgent) unregister() {
	mgr := a.conn.Object(obexService, obexClientPath)
	_ = mgr.Call(obexAgentManagerIface+".UnregisterAgent", 0, obexAgentPath).Err
}

// AuthorizePush accepts the incoming object unconditionally; returning an
// empty name keeps obexd's proposed filename.
func (a *obexAgent) AuthorizePush(transfer dbus.ObjectPath) (string, *dbus.Error) {
	return "", nil
}

// Cancel is obexd withdrawing an outstanding authorization request.
func (a *obexAgent) Cancel() *dbus.Error {
	return nil
}

// Release is obexd dropping the agent at shutdown.
func (a *obexAgent) Release() *dbus.Error {
	return nil
}
