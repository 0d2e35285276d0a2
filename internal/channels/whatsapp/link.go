package whatsapp

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"golang.org/x/term"
)

// syncTimeout bounds the wait for initial sync after a scan is accepted.
const syncTimeout = 30 * time.Second

// LinkDevice pairs a new device into the live store at path by QR code.
// On a terminal the code is drawn as a QR; otherwise the raw code is printed
// so it can be rendered elsewhere.
func LinkDevice(ctx context.Context, path string, out io.Writer) error {
	db, container, err := openStore(ctx, path, &relayLogger{module: "store"})
	if err != nil {
		return err
	}
	defer db.Close()

	// Stale devices would be picked up by GetFirstDevice and fail with 401
	oldDevices, err := container.GetAllDevices(ctx)
	if err != nil {
		return fmt.Errorf("failed to list existing devices: %w", err)
	}
	for _, d := range oldDevices {
		fmt.Fprintf(out, "Removing stale device: %s\n", d.ID)
		_ = d.Delete(ctx)
	}

	client := whatsmeow.NewClient(container.NewDevice(), &relayLogger{module: "client"})

	// QR "success" only means the scan was accepted; pairing is complete once
	// Connected fires after the initial sync.
	connectedCh := make(chan struct{}, 1)
	client.AddEventHandler(func(evt interface{}) {
		if _, ok := evt.(*events.Connected); ok {
			select {
			case connectedCh <- struct{}{}:
			default:
			}
		}
	})

	qrChan, err := client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to get QR channel: %w", err)
	}
	if err := client.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer client.Disconnect()

	drawQR := isTerminal(out)
	fmt.Fprintln(out, "Scan the code with WhatsApp > Settings > Linked Devices > Link a Device")

	for item := range qrChan {
		switch item.Event {
		case "code":
			if drawQR {
				qrterminal.GenerateHalfBlock(item.Code, qrterminal.L, out)
			} else {
				fmt.Fprintf(out, "code: %s\n", item.Code)
			}
			fmt.Fprintln(out, "Waiting for scan...")
		case "success":
			fmt.Fprintln(out, "Scan accepted, completing initial sync...")
			select {
			case <-connectedCh:
			case <-time.After(syncTimeout):
				return fmt.Errorf("timed out waiting for initial sync, try again")
			case <-ctx.Done():
				return ctx.Err()
			}
			fmt.Fprintf(out, "Paired: %s\n", client.Store.ID)
			return nil
		case "timeout":
			return fmt.Errorf("QR code expired, run the command again")
		default:
			return fmt.Errorf("pairing failed: %s", item.Event)
		}
	}
	return fmt.Errorf("QR channel closed unexpectedly")
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// UnlinkDevice deletes every device in the live store at path.
func UnlinkDevice(ctx context.Context, path string, out io.Writer) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("no WhatsApp session found (no %s)", path)
	}

	db, container, err := openStore(ctx, path, &relayLogger{module: "store"})
	if err != nil {
		return err
	}
	defer db.Close()

	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}
	if len(devices) == 0 {
		return fmt.Errorf("no paired devices found")
	}

	for _, device := range devices {
		if err := device.Delete(ctx); err != nil {
			return fmt.Errorf("failed to delete device %s: %w", device.ID, err)
		}
		fmt.Fprintf(out, "Removed device: %s\n", device.ID)
	}
	return nil
}

// DeviceStatus reports the devices paired in the live store at path.
func DeviceStatus(ctx context.Context, path string, out io.Writer) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintln(out, "Status: not paired (no session database)")
		return nil
	}

	db, container, err := openStore(ctx, path, waLog.Noop)
	if err != nil {
		return err
	}
	defer db.Close()

	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}
	if len(devices) == 0 {
		fmt.Fprintln(out, "Status: not paired")
		return nil
	}
	for _, device := range devices {
		fmt.Fprintf(out, "Status: paired\n  JID: %s\n", device.ID)
	}
	return nil
}
