package pairing

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/Mauddib28/bleep-tool/internal/bleeperr"
)

// Capability is the agent capability profile announced at registration.
type Capability string

const (
	CapNoInputNoOutput Capability = "NoInputNoOutput"
	CapDisplayOnly     Capability = "DisplayOnly"
	CapDisplayYesNo    Capability = "DisplayYesNo"
	CapKeyboardOnly    Capability = "KeyboardOnly"
	CapKeyboardDisplay Capability = "KeyboardDisplay"
)

// ParseCapability validates a capability string.
func ParseCapability(s string) (Capability, error) {
	switch Capability(s) {
	case CapNoInputNoOutput, CapDisplayOnly, CapDisplayYesNo, CapKeyboardOnly, CapKeyboardDisplay:
		return Capability(s), nil
	}
	return "", bleeperr.New(bleeperr.KindInvalidArgs, "capability: "+s)
}

// Bondable reports whether a completed pairing under this capability yields
// a persistable bond (display-only profiles never finish an authenticated
// key exchange on our side).
func (c Capability) Bondable() bool {
	return c != CapDisplayOnly
}

// IOHandler answers the prompts the host stack raises during pairing. The
// three implementations mirror the supported front-ends: terminal
// interaction, programmatic callbacks, and unattended auto-accept.
type IOHandler interface {
	RequestPinCode(deviceInfo string) (string, error)
	DisplayPinCode(deviceInfo, pin string)
	RequestPasskey(deviceInfo string) (uint32, error)
	DisplayPasskey(deviceInfo string, passkey uint32, entered uint16)
	RequestConfirmation(deviceInfo string, passkey uint32) (bool, error)
	RequestAuthorization(deviceInfo string) (bool, error)
	AuthorizeService(deviceInfo, uuid string) (bool, error)
	Cancel()
}

// AutoAcceptIO approves every prompt with fixed defaults; used for
// unattended reconnaissance runs.
type AutoAcceptIO struct {
	// Pin/Passkey are returned verbatim when the peer requests credentials.
	Pin     string
	Passkey uint32
}

// NewAutoAcceptIO returns an AutoAcceptIO with the conventional defaults
// ("0000" / 0).
func NewAutoAcceptIO() *AutoAcceptIO {
	return &AutoAcceptIO{Pin: "0000"}
}

func (a *AutoAcceptIO) RequestPinCode(string) (string, error)       { return a.Pin, nil }
func (a *AutoAcceptIO) DisplayPinCode(string, string)               {}
func (a *AutoAcceptIO) RequestPasskey(string) (uint32, error)       { return a.Passkey, nil }
func (a *AutoAcceptIO) DisplayPasskey(string, uint32, uint16)       {}
func (a *AutoAcceptIO) RequestConfirmation(string, uint32) (bool, error) { return true, nil }
func (a *AutoAcceptIO) RequestAuthorization(string) (bool, error)   { return true, nil }
func (a *AutoAcceptIO) AuthorizeService(string, string) (bool, error) { return true, nil }
func (a *AutoAcceptIO) Cancel()                                     {}

// CallbackIO routes each prompt through an optionally-set function; unset
// prompts are rejected so a partially-wired caller fails loudly instead of
// silently approving a peer.
type CallbackIO struct {
	OnPinCode       func(deviceInfo string) (string, error)
	OnPasskey       func(deviceInfo string) (uint32, error)
	OnConfirmation  func(deviceInfo string, passkey uint32) (bool, error)
	OnAuthorization func(deviceInfo string) (bool, error)
	OnServiceAuth   func(deviceInfo, uuid string) (bool, error)
	OnDisplay       func(deviceInfo, what string)
	OnCancel        func()
}

func (c *CallbackIO) RequestPinCode(info string) (string, error) {
	if c.OnPinCode == nil {
		return "", bleeperr.New(bleeperr.KindAuthenticationCancelled, "no pin callback")
	}
	return c.OnPinCode(info)
}

func (c *CallbackIO) DisplayPinCode(info, pin string) {
	if c.OnDisplay != nil {
		c.OnDisplay(info, "pin "+pin)
	}
}

func (c *CallbackIO) RequestPasskey(info string) (uint32, error) {
	if c.OnPasskey == nil {
		return 0, bleeperr.New(bleeperr.KindAuthenticationCancelled, "no passkey callback")
	}
	return c.OnPasskey(info)
}

func (c *CallbackIO) DisplayPasskey(info string, passkey uint32, entered uint16) {
	if c.OnDisplay != nil {
		c.OnDisplay(info, fmt.Sprintf("passkey %06d (%d entered)", passkey, entered))
	}
}

func (c *CallbackIO) RequestConfirmation(info string, passkey uint32) (bool, error) {
	if c.OnConfirmation == nil {
		return false, bleeperr.New(bleeperr.KindAuthenticationCancelled, "no confirmation callback")
	}
	return c.OnConfirmation(info, passkey)
}

func (c *CallbackIO) RequestAuthorization(info string) (bool, error) {
	if c.OnAuthorization == nil {
		return false, bleeperr.New(bleeperr.KindAuthenticationCancelled, "no authorization callback")
	}
	return c.OnAuthorization(info)
}

func (c *CallbackIO) AuthorizeService(info, uuid string) (bool, error) {
	if c.OnServiceAuth == nil {
		return false, bleeperr.New(bleeperr.KindAuthenticationCancelled, "no service-auth callback")
	}
	return c.OnServiceAuth(info, uuid)
}

func (c *CallbackIO) Cancel() {
	if c.OnCancel != nil {
		c.OnCancel()
	}
}

// TerminalIO prompts on an arbitrary reader/writer pair (normally
// stdin/stdout).
type TerminalIO struct {
	In  *bufio.Reader
	Out io.Writer
}

// NewTerminalIO wraps in/out for interactive prompting.
func NewTerminalIO(in io.Reader, out io.Writer) *TerminalIO {
	return &TerminalIO{In: bufio.NewReader(in), Out: out}
}

func (t *TerminalIO) readLine() (string, error) {
	line, err := t.In.ReadString('\n')
	if err != nil {
		return "", bleeperr.Wrap(bleeperr.KindAuthenticationCancelled, "read input", err)
	}
	return strings.TrimSpace(line), nil
}

func (t *TerminalIO) RequestPinCode(info string) (string, error) {
	fmt.Fprintf(t.Out, "[agent] %s requests a PIN code: ", info)
	return t.readLine()
}

func (t *TerminalIO) DisplayPinCode(info, pin string) {
	fmt.Fprintf(t.Out, "[agent] enter PIN %s on %s\n", pin, info)
}

func (t *TerminalIO) RequestPasskey(info string) (uint32, error) {
	fmt.Fprintf(t.Out, "[agent] %s requests a passkey (0-999999): ", info)
	line, err := t.readLine()
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(line, 10, 32)
	if err != nil || n > 999999 {
		return 0, bleeperr.New(bleeperr.KindInvalidArgs, "passkey: "+line)
	}
	return uint32(n), nil
}

func (t *TerminalIO) DisplayPasskey(info string, passkey uint32, entered uint16) {
	fmt.Fprintf(t.Out, "[agent] passkey for %s: %06d (%d digits entered)\n", info, passkey, entered)
}

func (t *TerminalIO) confirm(prompt string) (bool, error) {
	fmt.Fprint(t.Out, prompt)
	line, err := t.readLine()
	if err != nil {
		return false, err
	}
	switch strings.ToLower(line) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func (t *TerminalIO) RequestConfirmation(info string, passkey uint32) (bool, error) {
	return t.confirm(fmt.Sprintf("[agent] confirm passkey %06d for %s (y/N): ", passkey, info))
}

func (t *TerminalIO) RequestAuthorization(info string) (bool, error) {
	return t.confirm(fmt.Sprintf("[agent] authorize pairing with %s (y/N): ", info))
}

func (t *TerminalIO) AuthorizeService(info, uuid string) (bool, error) {
	return t.confirm(fmt.Sprintf("[agent] authorize service %s for %s (y/N): ", uuid, info))
}

func (t *TerminalIO) Cancel() {
	fmt.Fprintln(t.Out, "[agent] pairing cancelled by the stack")
}
