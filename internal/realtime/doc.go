// Package realtime implements the realtime market-data client.
//
// The client:
//   - Owns a single WebSocket connection to the market-data gateway
//   - Multiplexes symbol × data type subscriptions over that connection
//   - Sends protocol-level ping frames and tracks pong latency
//   - Reconnects after unplanned closes using a capped delay schedule
//   - Fans inbound frames out to typed listeners (connection, data,
//     subscription, unsubscription, error)
//
// There is no package-level instance. Callers build a Provider and pass it
// to whatever needs the connection.
package realtime
