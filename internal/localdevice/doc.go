// Package localdevice implements the virtual BACnet device this process
// exposes on the network.
//
// The device serves its own device object plus the value, input and output
// objects declared in configuration. Other BACnet clients can read them
// with ReadProperty and command them with WriteProperty; local code writes
// them through the point model, which routes writes of local points to
// Server.WriteLocal.
//
// # Priority array
//
// Commandable objects (outputs and values) keep a 16-slot priority array.
// Slot 1 is the highest priority. Writing a value at a priority fills that
// slot, writing Null releases it, and the present value is the value of
// the highest-priority filled slot, or the relinquish default when every
// slot is empty. Writes without a priority use slot 16.
//
// # Replies
//
// HandleConfirmed never fails: malformed requests are answered with Reject,
// failed operations with an Error PDU carrying the BACnet class and code,
// and a panic while serving with Abort.
package localdevice
