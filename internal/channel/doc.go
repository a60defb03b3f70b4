// Package channel defines the transport contract between the sync core and a
// device, and ships two reference transports.
//
// A Channel exposes four primitives: Connect, Fetch, Set and Disconnect. The
// sync core never looks below this interface; both transports are opaque to it.
//
// # Transports
//
//   - LocalClient talks to the appliance on the LAN. Property maps travel as CBOR
//     over HTTP with Basic authentication. The device address can come from a
//     discovery cache when it is not configured.
//   - CloudClient talks to the vendor cloud over a websocket. Requests and
//     responses are JSON documents correlated by a request ID.
//
// # Timeouts and Errors
//
// WithTimeout decorates a channel so each call runs under its own deadline. An
// expired deadline is reported as a transport timeout, identical in effect to a
// connection error. All errors leaving the decorator are *deviceerr.DeviceError
// values tagged with the channel kind.
//
// # Usage Example
//
//	local := channel.WithTimeout(channel.NewLocalClient(channel.LocalConfig{
//	    Host: "192.168.1.40",
//	    Port: 80,
//	}), 5*time.Second)
//
//	values, err := local.Fetch(ctx)
package channel
