// Package conn implements the connection lifecycle on top of a
// transport.Link.
//
// A Connection pairs with its peer (or resumes a stored pairing), then
// exchanges encrypted TEXT, COMMAND and WORD messages. Every such message
// is acknowledged by the receiver; Send returns an Ack that resolves when
// that happens, when AckTimeout passes, or when the connection tears
// down. Messages sent while not Connected wait in an outbox and go out in
// order on the next Connected.
//
// Lifecycle decisions are made by Transition, a pure function from state,
// event and Facts to the next state and a list of effects. The Connection
// executes those effects and feeds any follow-up events back in.
//
// The initiator reconnects after an unexpected loss using its stored
// session key, with exponential backoff. The responder returns to
// Disconnected and waits to be connected again.
package conn
