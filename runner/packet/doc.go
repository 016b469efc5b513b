/*
Package packet implements the wire format spoken between a runner client and a runner backend over a single WebSocket connection.

Every control message is a UTF-8 JSON text frame of the form {"type": <Type>, "data": <payload>}. The only exception is the file payload of an upload, which is sent as one raw binary frame.

The protocol proceeds as follows:

 1. The client sends ProcessOpen and the runner answers ProcessOpenResult with the new container_id.
 2. The client sends ProcessControlSignal "Start" and the runner answers ProcessEvent "Started".
 3. The client uploads a file: UploadStart{path, size}, one binary frame of exactly size bytes, UploadFinish. The runner sends no acknowledgement.
 4. The client sends ProcessControlSignal {"Exec": path}. The runner answers ProcessEvent "Started", streams ProcessOutput {"StdOut": text} / {"StdErr": text} chunks, and ends with ProcessEvent {"Finished": {"exit_code": n}} or "TimedOut".
 5. At any time the client may send ProcessControlSignal "Interrupt" or "Terminate" to signal the running file.
 6. ProcessClose removes the container; the runner answers ProcessCloseResult{success}.

The runner reports request-level failures (unknown container, out-of-order upload) with ServerError{message, fatal}. A text frame that is not valid JSON makes the runner close the connection with status 1007.
*/
package packet
