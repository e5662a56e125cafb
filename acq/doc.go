/*Package acq runs a bounded, callback driven acquisition against a flat panel
detector reached through the xisl driver contract.

An acquisition walks through

 connect -> configure -> allocate -> register callbacks -> set mode
 -> define buffer -> start -> wait for terminal -> header -> save -> teardown

The driver calls back on its own goroutines: once per completed frame, and
exactly once when the acquisition has fully stopped.  The frame callback feeds
a Tracker, which requests a single abort when the target count is reached.
The terminal callback is the only writer of the Event; nothing owned by the
driver (the FrameBuffer, the DetectorSession) is released before the Event is
signaled, except on the terminal timeout path, which forces teardown and
reports KindTerminalTimeout.

Teardown always runs, in the order buffer, session, event, and each step
checks that the resource is held before releasing it.
*/
package acq
