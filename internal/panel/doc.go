// Package panel is the transient control panel. It attaches to one tab,
// reads the tab's state from its relay, and sends pitch and speed changes to
// both the relay and the coordinator.
package panel
