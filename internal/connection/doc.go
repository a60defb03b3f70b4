// Package connection tracks the reachability of one device and drives its
// reconnection.
//
// # States
//
//	OFFLINE ──poll ok──▶ ONLINE ──poll fails──▶ RECONNECTING
//	   ▲                   ▲                        │ threshold reached
//	   │                   └───────reconnected──────┤
//	   │                                            ▼
//	   └──breaker retry── UNREACHABLE ◀──attempts── OFFLINE (loop running)
//
// A successful fetch moves the machine to ONLINE from any state and clears
// every counter. Failed polls below the threshold are absorbed: the caller
// receives the last-known snapshot flagged stale. Reaching the threshold moves
// to OFFLINE and starts the reconnection loop, one goroutine per device, which
// waits a bounded exponential delay between connect+fetch attempts. When the
// attempt ceiling is reached the machine becomes UNREACHABLE and the circuit
// breaker opens.
//
// A health check ticks every HealthCheckInterval. Once the breaker's sleep has
// elapsed it starts a fresh reconnection episode. A failed breaker episode
// increments the retry count; past MaxBreakerEscalations the sleep doubles for
// every further cycle, up to MaxBreakerSleep.
//
// Reconnect is the manual override: it cancels any in-flight task, resets
// every counter and starts reconnecting immediately.
//
// # Concurrency
//
// Polls and reconnection attempts serialise on one guard mutex. A poll that
// finds a reconnection task in flight, or the device UNREACHABLE, does no
// network I/O. State transitions are applied before Poll returns, so the
// staleness of a returned snapshot always agrees with State.
//
// # Usage Example
//
//	m, err := connection.New(channel.NewSingle(local), connection.DefaultSettings(),
//	    connection.WithName("hob-kitchen"))
//	if err != nil {
//	    return err
//	}
//	m.Start()
//	defer m.Close()
//
//	snap, err := m.Poll(ctx)
package connection
