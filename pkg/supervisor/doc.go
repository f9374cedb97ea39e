// Package supervisor keeps trusted sessions to several devices alive.
//
// A Supervisor owns one heartbeat session per device UDID. Start decodes
// the pairing record, opens a multiplexer channel to the lockdown port,
// runs the trust handshake and then beats in the background until the
// session is stopped or the device stops answering:
//
//	mux := usbmux.NewClient(usbmux.NewSocketDialer(""), usbmux.Config{})
//	sup := supervisor.New(mux, supervisor.Config{},
//	    supervisor.WithTerminationHandler(func(udid string, err error) {
//	        slog.Warn("device lost", "device_id", udid, "error", err)
//	    }))
//	defer sup.Close()
//
//	if _, err := sup.Start(ctx, udid, blob); err != nil {
//	    return err
//	}
//
// Terminated sessions stay visible through Status until they are stopped
// or restarted.
package supervisor
