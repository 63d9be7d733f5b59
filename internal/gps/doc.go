// Package gps reads position fixes from a GNSS receiver, either through gpsd's
// JSON protocol or directly from an NMEA serial device.
//
// A Session decodes receiver output in the background. Read returns the newest
// solution seen since the previous Read, so a slow caller never falls behind a
// backlog of old reports. The position feed owns exactly one Session at a time
// and reopens it after a failure.
package gps
