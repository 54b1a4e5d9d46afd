// Package mqtt exposes the ClassCharts sensors to Home Assistant over
// MQTT discovery. Each pupil appears as its own HA device carrying one
// sensor per counter, and each account gets a "Refresh" button whose
// presses trigger an immediate coordinator refresh.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery configs, a birth message
// ("online") on the bridge availability topic, and subscribes to the
// button command topics. A will message flips the bridge availability
// to "offline" on unexpected disconnects. Sensor states and per-pupil
// availability are pushed after every coordinator refresh and on a
// fixed interval.
package mqtt
