// rudp is the CLI entry point.
//
// Demo commands for the reliable UDP transport: an echo listener and dialer,
// STUN self-discovery, and a TCP port-forwarding tunnel that runs either on
// plain UDP or on a WebRTC DataChannel.
package main

import "github.com/1ureka/rudp/cmd/rudp/commands"

func main() {
	commands.Execute()
}
