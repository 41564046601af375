// Package ipc implements the broker that lets in-game agents talk to
// external processes over WebSocket channels.
//
// The broker never calls agents directly. Agents post commands on the
// game's event bus and read events from it:
//
//   - PortListen / PortIgnore start and stop accepting connections on a port
//     and are answered with PortListenResult and PortIgnored
//   - every accepted connection becomes a channel announced with Opened
//   - MessageToRemote and MessageFromRemote carry opaque bytes
//   - Close ends a channel; Closed is published exactly once per channel,
//     whichever side ended it
//
// The Bridge buffers everything the network goroutines produce and hands it
// to the bus when the next tick starts, so agents only ever see settled
// batches.
//
// Example usage:
//
//	bus := events.New(log)
//	broker, err := ipc.New(cfg.IPC, log)
//	if err != nil {
//	    return err
//	}
//	defer broker.Close()
//
//	if err := broker.Attach(bus); err != nil {
//	    return err
//	}
//
//	bus.Post(types.PortListen{Port: 9001, Owner: "console"})
//	for range ticker.C {
//	    bus.Tick(ctx)
//	}
package ipc
