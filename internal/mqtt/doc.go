// Package mqtt announces bypassd to Home Assistant over MQTT. The
// service shows up as one device whose sensors report solve counters,
// the time and outcome of the last request, uptime and version.
//
// Connection management uses Eclipse Paho v2's [autopaho]. On every
// (re-)connect the publisher re-sends retained discovery payloads and
// an "online" birth message; a will message flips availability to
// "offline" if the process disappears.
package mqtt
