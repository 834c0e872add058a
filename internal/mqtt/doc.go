// Package mqtt mirrors the event bus to an MQTT broker so dashboards and
// home automation can follow agent activity.
//
// Every bus event is published as JSON to <topic_prefix>/events/<kind>.
// The publisher uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. A retained "online" birth
// message goes to <topic_prefix>/status on every (re-)connect, and a will
// message flips it to "offline" on unexpected disconnects.
package mqtt
