/*
Package runner provides a client Session for a remote code runner, driving one container's lifecycle over a single WebSocket connection.

A Session is used in this order:

	Connect -> Create -> Start -> Upload -> Execute -> (Stop) -> Disconnect

Create, Start and Release expect a reply. Each installs a handler for that reply in a single slot before sending its request; installing a handler replaces whatever was installed before, and nothing is queued. Execute installs a handler that stays for the whole execution, reporting the runner's output and lifecycle events until another operation replaces it. Upload and Stop expect nothing back.

Progress and failures are reported to a Sink as lines, tagged as errors or not. Failures are classified as ErrPrecondition, ErrProtocol, ErrTransport or ErrRunner.

Start and Upload refuse to send when called in the wrong phase. WithLenientPreconditions makes them report the violation and send anyway.
*/
package runner
