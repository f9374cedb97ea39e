package main

import (
	"context"
	"fmt"
	"os"

	"github.com/devkeep/devkeep-go/pkg/supervisor"
	"github.com/devkeep/devkeep-go/pkg/usbmux"
)

// pairSource fetches a device's stored pairing record from the multiplexer.
type pairSource interface {
	Devices(ctx context.Context) ([]usbmux.Device, error)
	ReadPairRecord(ctx context.Context, udid string) ([]byte, error)
}

// keeper binds the supervisor to its pairing record sources.
type keeper struct {
	*supervisor.Supervisor
	mux   pairSource
	files map[string]string // udid -> pairing file
}

func newKeeper(sup *supervisor.Supervisor, mux pairSource, files map[string]string) *keeper {
	if files == nil {
		files = make(map[string]string)
	}
	return &keeper{Supervisor: sup, mux: mux, files: files}
}

// pairingRecord returns the configured pairing file for udid, or the
// record the multiplexer holds.
func (k *keeper) pairingRecord(ctx context.Context, udid string) ([]byte, error) {
	if path, ok := k.files[udid]; ok {
		blob, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read pairing file: %w", err)
		}
		return blob, nil
	}
	blob, err := k.mux.ReadPairRecord(ctx, udid)
	if err != nil {
		return nil, fmt.Errorf("read pair record from multiplexer: %w", err)
	}
	return blob, nil
}

// StartDevice starts the keepalive for udid.
func (k *keeper) StartDevice(ctx context.Context, udid string) (*supervisor.Handle, error) {
	if udid == "" {
		return nil, supervisor.ErrEmptyDeviceID
	}
	blob, err := k.pairingRecord(ctx, udid)
	if err != nil {
		return nil, err
	}
	return k.Start(ctx, udid, blob)
}

// Devices lists the attached devices.
func (k *keeper) Devices(ctx context.Context) ([]usbmux.Device, error) {
	return k.mux.Devices(ctx)
}

// firstDevice returns the UDID of the first attached device.
func (k *keeper) firstDevice(ctx context.Context) (string, error) {
	devices, err := k.mux.Devices(ctx)
	if err != nil {
		return "", err
	}
	if len(devices) == 0 {
		return "", fmt.Errorf("no devices attached")
	}
	return devices[0].UDID, nil
}
