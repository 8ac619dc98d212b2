package classic

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/Mauddib28/bleep-tool/internal/bleeperr"
	"github.com/Mauddib28/bleep-tool/internal/reliability"
	"github.com/Mauddib28/bleep-tool/internal/store"
)

// OBEX lives on the session bus, not the system bus the rest of BLEEP
// speaks to — obexd never appears on the system bus — so PBAP dials its
// own *dbus.Conn rather than going through internal/ipc's system-bus
// Pool.
const (
	obexService      = "org.bluez.obex"
	obexClientPath   = dbus.ObjectPath("/org/bluez/obex")
	obexClientIface  = "org.bluez.obex.Client1"
	obexPbapIface    = "org.bluez.obex.PhonebookAccess1"
	obexTransferIface = "org.bluez.obex.Transfer1"
)

// VCardFormat selects the phonebook wire format requested from the PSE.
type VCardFormat string

const (
	VCard21 VCardFormat = "vcard21"
	VCard30 VCardFormat = "vcard30"
)

// PullOptions configures one PBAP phonebook pull.
type PullOptions struct {
	Repository string // e.g. "int" (internal memory); "int" when empty but PhoneBook is set; with both empty no Select is issued
	PhoneBook  string // e.g. "pb" (main phonebook)
	Format     VCardFormat
	DestFolder string
	Watchdog   time.Duration // aborts if no progress observed for this long; default 8s

	// AutoAcceptAuth registers an in-process OBEX agent that accepts
	// authentication prompts for the duration of the pull.
	AutoAcceptAuth bool
}

// DefaultPullOptions matches the stated defaults.
var DefaultPullOptions = PullOptions{
	Repository: "int",
	PhoneBook:  "pb",
	Format:     VCard21,
	DestFolder: ".",
	Watchdog:   8 * time.Second,
}

// PullResult is what a successful PullPhonebook returns: the metadata the
// transfer row persists (repository, entry count, content hash).
type PullResult struct {
	DestPath    string
	EntryCount  int
	ContentHash string
}

// PullPhonebook establishes an OBEX session targeted at PBAP, optionally
// selects a repository, issues PullAll with the requested vCard format,
// moves the transferred file to its final destination, counts entries,
// and returns a metadata summary the caller persists via
// store.InsertPBAPTransfer. A watchdog aborts the transfer if no progress
// is observed for opts.Watchdog (default 8s); on abort no file
// is left behind and no metadata row is written.
func PullPhonebook(ctx context.Context, metrics *reliability.Metrics, mac string, opts PullOptions) (*PullResult, error) {
	if opts.Format == "" {
		opts.Format = DefaultPullOptions.Format
	}
	if opts.DestFolder == "" {
		opts.DestFolder = DefaultPullOptions.DestFolder
	}
	if opts.Watchdog <= 0 {
		opts.Watchdog = DefaultPullOptions.Watchdog
	}

	var result *PullResult
	err := reliability.Guard(ctx, metrics, reliability.OpPBAP, func(cctx context.Context) error {
		r, err := pullPhonebookOnce(cctx, mac, opts)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

func pullPhonebookOnce(ctx context.Context, mac string, opts PullOptions) (*PullResult, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, bleeperr.Wrap(bleeperr.KindIpcUnavailable, "obex session bus", err)
	}
	defer conn.Close()

	if opts.AutoAcceptAuth {
		// The agent is an assist, not a requirement: a PSE that never
		// prompts completes fine without one, so registration failure is
		// ignored.
		if agent, aerr := registerOBEXAgent(ctx, conn); aerr == nil {
			defer agent.unregister()
		}
	}

	client := conn.Object(obexService, obexClientPath)
	var sessionPath dbus.ObjectPath
	call := client.CallWithContext(ctx, obexClientIface+".CreateSession", 0, strings.ToUpper(mac), map[string]dbus.Variant{"Target": dbus.MakeVariant("PBAP")})
	if call.Err != nil {
		return nil, bleeperr.FromDBusError("obex CreateSession", call.Err)
	}
	if err := call.Store(&sessionPath); err != nil {
		return nil, bleeperr.Wrap(bleeperr.KindUnknown, "obex CreateSession decode", err)
	}
	defer client.CallWithContext(context.Background(), obexClientIface+".RemoveSession", 0, sessionPath)

	pbap := conn.Object(obexService, sessionPath)
	if opts.Repository != "" || opts.PhoneBook != "" {
		repo := opts.Repository
		if repo == "" {
			repo = DefaultPullOptions.Repository
		}
		book := opts.PhoneBook
		if book == "" {
			book = DefaultPullOptions.PhoneBook
		}
		// Some PSEs reject Select on devices that only support one
		// repository; a failure here is non-fatal.
		_ = pbap.CallWithContext(ctx, obexPbapIface+".Select", 0, repo, book).Err
	}

	var transferPath dbus.ObjectPath
	pullCall := pbap.CallWithContext(ctx, obexPbapIface+".PullAll", 0, "", map[string]dbus.Variant{"Format": dbus.MakeVariant(string(opts.Format))})
	if pullCall.Err != nil {
		return nil, bleeperr.FromDBusError("obex PullAll", pullCall.Err)
	}
	var transferProps map[string]dbus.Variant
	if err := pullCall.Store(&transferPath, &transferProps); err != nil {
		// Some obexd versions return only the transfer path; retry the
		// single-value decode.
		if err2 := pullCall.Store(&transferPath); err2 != nil {
			return nil, bleeperr.Wrap(bleeperr.KindUnknown, "obex PullAll decode", err)
		}
	}

	filename, err := watchTransfer(ctx, conn, transferPath, opts.Watchdog)
	if err != nil {
		return nil, err
	}

	return finalizePull(filename, opts.DestFolder)
}

// watchTransfer polls Transfer1.Status and .Transferred, aborting with
// OperationTimeout if Transferred makes no progress for longer than
// watchdog, or returning the final Filename on Complete.
func watchTransfer(ctx context.Context, conn *dbus.Conn, transferPath dbus.ObjectPath, watchdog time.Duration) (string, error) {
	transferObj := conn.Object(obexService, transferPath)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	lastProgress := time.Now()
	var lastTransferred uint64

	for {
		select {
		case <-ctx.Done():
			return "", bleeperr.Wrap(bleeperr.KindOperationTimeout, "pbap", ctx.Err())
		case <-ticker.C:
			var status dbus.Variant
			if call := transferObj.Call("org.freedesktop.DBus.Properties.Get", 0, obexTransferIface, "Status"); call.Err == nil {
				call.Store(&status)
			}
			statusStr := strings.ToLower(fmt.Sprint(status.Value()))

			var transferredV dbus.Variant
			if call := transferObj.Call("org.freedesktop.DBus.Properties.Get", 0, obexTransferIface, "Transferred"); call.Err == nil {
				call.Store(&transferredV)
			}
			if n, ok := transferredV.Value().(uint64); ok {
				if n > lastTransferred {
					lastTransferred = n
					lastProgress = time.Now()
				}
			}

			switch statusStr {
			case "complete":
				var filenameV dbus.Variant
				if call := transferObj.Call("org.freedesktop.DBus.Properties.Get", 0, obexTransferIface, "Filename"); call.Err == nil {
					call.Store(&filenameV)
				}
				filename, _ := filenameV.Value().(string)
				if filename == "" {
					return "", bleeperr.New(bleeperr.KindUnknown, "pbap transfer completed without a Filename")
				}
				return filename, nil
			case "error":
				return "", bleeperr.New(bleeperr.KindUnknown, "pbap transfer reported Status=error")
			}

			if time.Since(lastProgress) > watchdog {
				_ = transferObj.Call(obexTransferIface+".Cancel", 0)
				return "", bleeperr.New(bleeperr.KindOperationTimeout, "pbap")
			}
		}
	}
}

// finalizePull moves the obexd-downloaded file to destFolder, counts
// vCard entries, and hashes the content for the metadata row.
func finalizePull(srcPath, destFolder string) (*PullResult, error) {
	if _, err := os.Stat(srcPath); err != nil {
		return nil, bleeperr.Wrap(bleeperr.KindUnknown, "pbap transfer file missing", err)
	}

	if err := os.MkdirAll(destFolder, 0o755); err != nil {
		return nil, bleeperr.Wrap(bleeperr.KindUnknown, "pbap dest mkdir", err)
	}
	destPath := filepath.Join(destFolder, filepath.Base(srcPath))

	if err := os.Rename(srcPath, destPath); err != nil {
		return nil, bleeperr.Wrap(bleeperr.KindUnknown, "pbap move transfer file", err)
	}

	f, err := os.Open(destPath)
	if err != nil {
		return nil, bleeperr.Wrap(bleeperr.KindUnknown, "pbap open for hash", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, bleeperr.Wrap(bleeperr.KindUnknown, "pbap hash", err)
	}

	count, err := countVCardEntries(destPath)
	if err != nil {
		return nil, err
	}

	return &PullResult{
		DestPath:    destPath,
		EntryCount:  count,
		ContentHash: hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// countVCardEntries counts BEGIN:VCARD lines, the simplest reliable
// per-entry marker across vCard 2.1 and 3.0.
func countVCardEntries(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, bleeperr.Wrap(bleeperr.KindUnknown, "pbap count entries", err)
	}
	defer f.Close()

	count := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if strings.EqualFold(strings.TrimSpace(sc.Text()), "BEGIN:VCARD") {
			count++
		}
	}
	return count, sc.Err()
}

// RecordTransfer persists a successful pull's metadata row. Callers must
// not call this after a watchdog abort.
func RecordTransfer(ctx context.Context, st *store.Store, mac, repository string, r *PullResult) error {
	return st.InsertPBAPTransfer(ctx, store.PBAPTransfer{
		MAC:         mac,
		Repository:  repository,
		EntryCount:  r.EntryCount,
		ContentHash: r.ContentHash,
		DestPath:    r.DestPath,
		Timestamp:   time.Now(),
	})
}
